package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"giftlock/internal/codehash"
	"giftlock/internal/gift"
	"giftlock/internal/idempotency"
	"giftlock/internal/ledger"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type lockRequest struct {
	Creator  string     `json:"creator"`
	Asset    gift.Asset `json:"asset"`
	Quantity string     `json:"quantity"`
	Expiry   time.Time  `json:"expiry"`
	CodeHash string     `json:"codeHash"`
	Note     string     `json:"note"`
}

type claimRequest struct {
	Code     string `json:"code"`
	Claimant string `json:"claimant"`
}

type claimManyRequest struct {
	IDs      []int64 `json:"ids"`
	Code     string  `json:"code"`
	Claimant string  `json:"claimant"`
}

type refundRequest struct {
	Caller string `json:"caller"`
}

type refundManyRequest struct {
	IDs []int64 `json:"ids"`
}

type lookupRequest struct {
	Code string `json:"code"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ctx := r.Context()
	fp := idempotency.Fingerprint(body)
	existing, err := s.store.Reserve(ctx, key, fp, s.cfg.Idempotency.Window.Duration)
	if err != nil {
		s.log.Error("idempotency.reserve_failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
		return
	}
	if existing != nil {
		switch {
		case existing.Fingerprint != fp:
			writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different payload")
		case existing.Pending:
			writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
		}
		return
	}

	code, resp := s.lock(r, body)

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(resp)

	// Server-side failures leave the key free so the client can retry.
	if code >= http.StatusInternalServerError {
		if err := s.store.Release(ctx, key); err != nil {
			s.log.Error("idempotency.release_failed", "err", err)
		}
	} else {
		now := time.Now().UTC()
		record := idempotency.Record{
			Fingerprint: fp,
			StatusCode:  code,
			Response:    buf.Bytes(),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Idempotency.Window.Duration),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.log.Error("idempotency.save_failed", "err", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) lock(r *http.Request, body []byte) (int, any) {
	var payload lockRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		return http.StatusBadRequest, errorResponse{Error: "invalid json payload"}
	}

	req, err := payload.toLedger()
	if err != nil {
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	}

	code := http.StatusCreated
	g, err := s.ledger.Lock(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, gift.ErrTransferUnconfirmed) && g.ID != 0:
		// Recorded as Depositing; the caller polls status until it settles.
		code = http.StatusAccepted
	default:
		return statusFor(err), errorResponse{Error: err.Error()}
	}
	st, err := s.ledger.Status(r.Context(), g.ID)
	if err != nil {
		return statusFor(err), errorResponse{Error: err.Error()}
	}
	return code, st
}

func (p lockRequest) toLedger() (ledger.LockRequest, error) {
	req := ledger.LockRequest{
		Creator: p.Creator,
		Asset:   p.Asset,
		Expiry:  p.Expiry,
		Note:    p.Note,
	}
	if p.Quantity != "" {
		qty, ok := new(big.Int).SetString(p.Quantity, 10)
		if !ok {
			return req, errors.New("quantity must be a base-10 integer")
		}
		req.Quantity = qty
	}
	if p.CodeHash == "" {
		return req, errors.New("codeHash is required")
	}
	hash, err := codehash.ParseDigest(p.CodeHash)
	if err != nil {
		return req, err
	}
	req.CodeHash = hash
	return req, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Status(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListByCreator(w http.ResponseWriter, r *http.Request) {
	creator := strings.TrimSpace(r.URL.Query().Get("creator"))
	if creator == "" {
		writeError(w, http.StatusBadRequest, "creator query parameter is required")
		return
	}
	gifts, err := s.ledger.GiftsByCreator(r.Context(), creator)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gifts)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var payload lookupRequest
	if !decode(w, r, &payload) {
		return
	}
	gifts, err := s.ledger.GiftsForCode(r.Context(), payload.Code)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gifts)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload claimRequest
	if !decode(w, r, &payload) {
		return
	}
	receipt, err := s.ledger.Claim(r.Context(), id, payload.Code, payload.Claimant)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleClaimMany(w http.ResponseWriter, r *http.Request) {
	var payload claimManyRequest
	if !decode(w, r, &payload) {
		return
	}
	receipt, err := s.ledger.ClaimMany(r.Context(), payload.IDs, payload.Code, payload.Claimant)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload refundRequest
	if !decode(w, r, &payload) {
		return
	}
	receipt, err := s.ledger.Refund(r.Context(), id, payload.Caller)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRefundExpired(w http.ResponseWriter, r *http.Request) {
	var payload refundManyRequest
	if !decode(w, r, &payload) {
		return
	}
	receipt, err := s.ledger.RefundExpired(r.Context(), payload.IDs)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid gift id %q", raw))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return false
	}
	return true
}

// statusFor maps the ledger's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gift.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, gift.ErrInsufficientFunds), errors.Is(err, gift.ErrInsufficientApproval):
		return http.StatusPaymentRequired
	case errors.Is(err, gift.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, gift.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gift.ErrAlreadyResolved), errors.Is(err, gift.ErrNotExpired), errors.Is(err, gift.ErrDepositPending):
		return http.StatusConflict
	case errors.Is(err, gift.ErrExpired):
		return http.StatusGone
	case errors.Is(err, gift.ErrBadCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gift.ErrTransferUnconfirmed):
		return http.StatusAccepted
	case errors.Is(err, gift.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("http.internal_error", "err", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
