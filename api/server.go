// Package api serves the relayer status API: health, Prometheus metrics, and
// the processing records operators need to inspect and retry.
package api

import (
	"context"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ClipFinance/deposit-relay/attestation"
	relayerrors "github.com/ClipFinance/deposit-relay/common/errors"
	"github.com/ClipFinance/deposit-relay/common/types"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Records is the part of the delivery tracker the API exposes.
type Records interface {
	Get(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error)
	ListFailed(ctx context.Context, permanentOnly bool, limit int) ([]*types.ProcessingRecord, error)
	ListOrphaned(ctx context.Context, limit int) ([]*types.ProcessingRecord, error)
	Retry(ctx context.Context, key types.DepositKey) (*types.ProcessingRecord, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the status API.
type Server struct {
	records Records
	pinger  Pinger
	sources func() []types.Source
	logger  *logrus.Logger
	router  *gin.Engine
}

// NewServer builds the router. sources may be nil.
func NewServer(records Records, pinger Pinger, sources func() []types.Source, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		records: records,
		pinger:  pinger,
		sources: sources,
		logger:  logger,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests())

	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/records/:chainId/:nonce", s.getRecord)
	v1.POST("/records/:chainId/:nonce/retry", s.retryRecord)
	v1.GET("/failures", s.listFailures)
	v1.GET("/orphans", s.listOrphans)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("Status API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shut down status api")
		}
		return nil
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("API request")
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.sources != nil {
		var chains []gin.H
		for _, src := range s.sources() {
			chains = append(chains, gin.H{"name": src.Name(), "chainId": src.ChainID()})
		}
		body["sources"] = chains
	}

	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getRecord(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}

	rec, err := s.records.Get(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordView(rec))
}

func (s *Server) retryRecord(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}

	rec, err := s.records.Retry(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.WithField("key", key.String()).Info("Retry requested through the API")
	c.JSON(http.StatusAccepted, newRecordView(rec))
}

func (s *Server) listFailures(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	permanentOnly, _ := strconv.ParseBool(c.Query("permanent"))

	recs, err := s.records.ListFailed(c.Request.Context(), permanentOnly, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": newRecordViews(recs)})
}

func (s *Server) listOrphans(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	recs, err := s.records.ListOrphaned(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": newRecordViews(recs)})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relayerrors.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, relayerrors.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("API request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseKey(c *gin.Context) (types.DepositKey, bool) {
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil || chainID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain id"})
		return types.DepositKey{}, false
	}
	nonce, ok := new(big.Int).SetString(c.Param("nonce"), 10)
	if !ok || nonce.Sign() < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nonce"})
		return types.DepositKey{}, false
	}
	return types.NewDepositKey(chainID, nonce), true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}

// recordView is the JSON form of a processing record. Lease details stay
// internal.
type recordView struct {
	SourceChainID uint64                    `json:"sourceChainId"`
	Nonce         string                    `json:"nonce"`
	State         string                    `json:"state"`
	PriorState    string                    `json:"priorState,omitempty"`
	Block         uint64                    `json:"block"`
	BlockHash     string                    `json:"blockHash"`
	Hash          string                    `json:"hash,omitempty"`
	Attempts      int                       `json:"attempts"`
	LastError     string                    `json:"lastError,omitempty"`
	Permanent     bool                      `json:"permanent"`
	NextAttemptAt *time.Time                `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
	Attestation   *types.AttestationPayload `json:"attestation,omitempty"`
	Verified      *bool                     `json:"verified,omitempty"`
}

func newRecordView(rec *types.ProcessingRecord) recordView {
	v := recordView{
		SourceChainID: rec.Key.SourceChainID,
		Nonce:         rec.Key.Nonce,
		State:         rec.State.String(),
		PriorState:    rec.PriorState.String(),
		Block:         rec.Event.BlockNumber,
		BlockHash:     rec.Event.BlockHash.Hex(),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		Permanent:     rec.Permanent,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Hash != (types.AttestationHash{}) {
		v.Hash = rec.Hash.Hex()
	}
	if rec.State == types.StateFailed && !rec.NextAttemptAt.IsZero() {
		next := rec.NextAttemptAt
		v.NextAttemptAt = &next
	}
	if att, ok := rec.Attestation(attestation.WireVersion); ok {
		payload := att.Payload()
		verified := attestation.Verify(att) == nil
		v.Attestation = &payload
		v.Verified = &verified
	}
	return v
}

func newRecordViews(recs []*types.ProcessingRecord) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newRecordView(rec))
	}
	return out
}
