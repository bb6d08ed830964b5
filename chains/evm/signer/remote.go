package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RemoteConfig configures a signer that delegates to an HTTP signing service
// (KMS or HSM facade). The private key never leaves the service.
type RemoteConfig struct {
	URL       string
	AuthToken string
	KeyID     string
	Address   string
	Timeout   time.Duration
}

type remoteSignRequest struct {
	KeyID  string      `json:"keyId"`
	Digest common.Hash `json:"digest"`
}

type remoteSignResponse struct {
	Signature hexutil.Bytes `json:"signature"`
	Error     string        `json:"error,omitempty"`
}

type remoteKeyResponse struct {
	Address common.Address `json:"address"`
}

// remoteSigner implements Signer against a signing service.
type remoteSigner struct {
	baseURL    string
	authToken  string
	keyID      string
	address    common.Address
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewRemoteSigner creates a signer backed by a signing service. When
// cfg.Address is empty the address is fetched from the service.
//
// Parameters:
// - ctx: the context for the address lookup.
// - cfg: the service location and key reference.
// - logger: the logger.
//
// Returns:
// - Signer: the remote signer.
// - error: an error if the configuration is invalid or the address lookup fails.
func NewRemoteSigner(ctx context.Context, cfg RemoteConfig, logger *logrus.Logger) (Signer, error) {
	if cfg.URL == "" {
		return nil, errors.Wrap(relayerrors.ErrInvalidConfig, "remote signer url is empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &remoteSigner{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		authToken:  cfg.AuthToken,
		keyID:      cfg.KeyID,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}

	if cfg.Address != "" {
		if !common.IsHexAddress(cfg.Address) {
			return nil, errors.Wrapf(relayerrors.ErrInvalidConfig, "invalid remote signer address %q", cfg.Address)
		}
		s.address = common.HexToAddress(cfg.Address)
		return s, nil
	}

	var keyResp remoteKeyResponse
	if err := s.do(ctx, http.MethodGet, "/v1/keys/"+s.keyID, nil, &keyResp); err != nil {
		return nil, errors.Wrap(err, "failed to fetch remote signer address")
	}
	if keyResp.Address == (common.Address{}) {
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, "signing service returned empty address")
	}
	s.address = keyResp.Address

	return s, nil
}

// Sign asks the service to sign the prefixed digest and checks that the
// returned signature recovers to the configured address.
func (s *remoteSigner) Sign(ctx context.Context, digest types.AttestationHash) ([]byte, error) {
	var resp remoteSignResponse
	err := s.do(ctx, http.MethodPost, "/v1/sign", remoteSignRequest{KeyID: s.keyID, Digest: digest}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, errors.Wrapf(relayerrors.ErrSigningUnavailable, "signing service: %s", resp.Error)
	}
	if len(resp.Signature) != crypto.SignatureLength {
		return nil, errors.Wrapf(relayerrors.ErrSigningUnavailable, "signing service returned %d bytes", len(resp.Signature))
	}

	signature := []byte(resp.Signature)
	if signature[crypto.RecoveryIDOffset] < 27 {
		signature[crypto.RecoveryIDOffset] += 27
	}

	recovered, err := Recover(digest, signature)
	if err != nil {
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, err.Error())
	}
	if recovered != s.address {
		s.logger.WithFields(logrus.Fields{
			"expected":  s.address.Hex(),
			"recovered": recovered.Hex(),
		}).Error("Signing service signed with an unexpected key")
		return nil, errors.Wrap(relayerrors.ErrSigningUnavailable, "signature recovers to unexpected address")
	}

	return signature, nil
}

// Address returns the signer's address.
func (s *remoteSigner) Address() common.Address {
	return s.address
}

func (s *remoteSigner) do(ctx context.Context, method, path string, data, out interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(relayerrors.ErrSigningUnavailable, "request failed: %v", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(relayerrors.ErrSigningUnavailable, "failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(relayerrors.ErrSigningUnavailable, "signing service status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return errors.Wrapf(relayerrors.ErrSigningUnavailable, "failed to parse response: %v", err)
	}

	return nil
}
