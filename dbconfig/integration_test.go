//go:build integration

package dbconfig_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ClipFinance/deposit-relay/dbconfig"
	"github.com/ClipFinance/deposit-relay/store/postgres"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("deposit_relay_test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, container.Terminate(context.Background()))
		})

		url, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := postgres.New(ctx, postgres.Config{URL: url}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE rpcs, chains`)
	require.NoError(t, err)

	return db
}

func TestSourceChainConfigs(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	_, err := db.ExecContext(ctx, `
		INSERT INTO chains (chain_id, name, chain_type, bridge_address, confirmations, start_block, active) VALUES
			(1, 'ethereum', 'EVM', '0x1111111111111111111111111111111111111111', 12, 19000000, TRUE),
			(8453, 'base', NULL, '0x2222222222222222222222222222222222222222', 10, 0, TRUE),
			(56, 'bsc', 'EVM', '0x3333333333333333333333333333333333333333', 15, 0, FALSE)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO rpcs (chain_id, url, provider, active, created_at) VALUES
			(1, 'https://old.eth.example', 'old', TRUE, NOW() - INTERVAL '1 day'),
			(1, 'https://eth.example', 'new', TRUE, NOW()),
			(1, 'https://disabled.eth.example', NULL, FALSE, NOW() + INTERVAL '1 day'),
			(8453, 'https://base.example', NULL, TRUE, NOW())`)
	require.NoError(t, err)

	cfg := dbconfig.NewDBConfig(db.DB)

	chains, err := cfg.GetChains(ctx, false)
	require.NoError(t, err)
	assert.Len(t, chains, 3)

	chain, err := cfg.GetChainByID(ctx, 56)
	require.NoError(t, err)
	assert.False(t, chain.Active)

	_, err = cfg.GetChainByID(ctx, 10)
	assert.ErrorIs(t, err, relayerrors.ErrChainNotFound)

	configs, err := cfg.SourceChainConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, uint64(1), configs[0].ChainID)
	assert.Equal(t, types.EVM, configs[0].ChainType)
	assert.Equal(t, "https://eth.example", configs[0].RpcUrl)
	assert.Equal(t, uint64(12), configs[0].Confirmations)
	assert.Equal(t, uint64(19000000), configs[0].StartBlock)

	assert.Equal(t, types.EVM, configs[1].ChainType, "a missing chain type defaults to EVM")
	assert.Equal(t, "https://base.example", configs[1].RpcUrl)
}

func TestSourceChainConfigsWithoutRPC(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)

	_, err := db.ExecContext(ctx, `
		INSERT INTO chains (chain_id, name, bridge_address) VALUES
			(10, 'optimism', '0x4444444444444444444444444444444444444444')`)
	require.NoError(t, err)

	_, err = dbconfig.NewDBConfig(db.DB).SourceChainConfigs(ctx)
	assert.ErrorIs(t, err, dbconfig.ErrNoActiveRPC)
}
