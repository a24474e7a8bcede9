package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"OpBatch/internal/entrypoint"
	"OpBatch/internal/ledger"
	"OpBatch/internal/logger"
	"OpBatch/internal/operation"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 4 << 20 // 4 MB
)

// Orchestrator is the part of *entrypoint.Orchestrator the API serves.
type Orchestrator interface {
	HandleOps(ctx context.Context, ops []*operation.Operation, beneficiary common.Address) (*entrypoint.BatchResult, error)
	SimulateValidation(ctx context.Context, op *operation.Operation) (*entrypoint.Simulation, error)
	Receipt(opHash common.Hash) (*entrypoint.Receipt, error)
	GetNonce(account common.Address, key *uint256.Int) uint64
	NextNonce(account common.Address, key *uint256.Int) *uint256.Int
	DepositInfo(addr common.Address) (ledger.DepositInfo, error)
	Params() entrypoint.Params
}

// Server is the HTTP API server.
type Server struct {
	addr        string         // addr is the HTTP listen address
	orch        Orchestrator   // orch processes batches and answers queries
	beneficiary common.Address // beneficiary is used when a batch names none
	metrics     http.Handler   // metrics serves /metrics, nil disables it
	server      *http.Server   // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, orch Orchestrator, beneficiary common.Address, metrics http.Handler) *Server {
	return &Server{
		addr:        addr,
		orch:        orch,
		beneficiary: beneficiary,
		metrics:     metrics,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ops", s.handleOps)
	mux.HandleFunc("POST /simulate", s.handleSimulate)
	mux.HandleFunc("GET /nonce", s.handleNonce)
	mux.HandleFunc("GET /deposit/{address}", s.handleDeposit)
	mux.HandleFunc("GET /receipt/{opHash}", s.handleReceipt)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleOps handles POST /ops requests. The body is a FlatBuffers OperationBatch.
func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	ops, encoded, err := operation.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}

	if err := validateBatch(ops); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	beneficiary, err := s.pickBeneficiary(r, encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.orch.HandleOps(r.Context(), ops, beneficiary)
	if err != nil {
		writeError(w, batchErrorStatus(err), err.Error())
		return
	}

	logger.Debug("batch submitted", "batch", res.BatchID.Hex()[:10], "ops", len(ops))

	writeJSON(w, http.StatusOK, res)
}

// pickBeneficiary prefers the query parameter, then the batch field, then the node default.
func (s *Server) pickBeneficiary(r *http.Request, encoded common.Address) (common.Address, error) {
	if q := r.URL.Query().Get("beneficiary"); q != "" {
		return parseAddress("beneficiary", q)
	}

	if encoded != (common.Address{}) {
		return encoded, nil
	}

	if s.beneficiary != (common.Address{}) {
		return s.beneficiary, nil
	}

	return common.Address{}, errors.New("missing beneficiary")
}

// handleSimulate handles POST /simulate requests. The body is a FlatBuffers Operation.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	op, err := operation.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid operation: %v", err))
		return
	}

	sim, err := s.orch.SimulateValidation(r.Context(), op)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sim)
}

// handleNonce handles GET /nonce?account=0x..&key=N requests.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := entrypoint.NonceKey(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":  account,
		"key":      key.Dec(),
		"sequence": s.orch.GetNonce(account, key),
		"nonce":    s.orch.NextNonce(account, key).Dec(),
	})
}

// handleDeposit handles GET /deposit/{address} requests.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.orch.DepositInfo(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleReceipt handles GET /receipt/{opHash} requests.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash("opHash", r.PathValue("opHash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := s.orch.Receipt(hash)
	if errors.Is(err, entrypoint.ErrReceiptNotFound) {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests with the values clients sign against.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p := s.orch.Params()

	writeJSON(w, http.StatusOK, map[string]any{
		"orchestrator":  p.Address,
		"chainId":       p.ChainID.Dec(),
		"baseFee":       p.BaseFee.Dec(),
		"batchGasLimit": p.BatchGasLimit,
		"beneficiary":   s.beneficiary,
	})
}

// readBody reads a non-empty request body, answering 413 above maxBodySize
// and 400 otherwise.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return nil, false
		}

		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return nil, false
	}

	return body, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
