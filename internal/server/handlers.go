package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Klem/donation-tracker/internal/ingestion"
	"github.com/Klem/donation-tracker/internal/receipt"
	"github.com/Klem/donation-tracker/internal/tracker"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// commandResponse is the common shape for accepted commands.
type commandResponse struct {
	Duplicate bool   `json:"duplicate,omitempty"`
	Index     int    `json:"index,omitempty"`
	TokenID   int64  `json:"token_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Timestamp string `json:"timestamp"`
}

// --- Command handlers ---

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "Donate", nil)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "Payout", nil)
}

func (s *Server) handleRequestReceipt(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid lot index")
		return
	}
	s.submit(w, r, "RequestReceipt", func(cmd tracker.Command) error {
		// The path parameter wins over any index in the body.
		cmd.(*tracker.RequestReceipt).Index = index
		return nil
	})
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "Allocate", s.asOwner(func(cmd tracker.Command, owner tracker.Account) {
		cmd.(*tracker.Allocate).Caller = owner
	}))
}

func (s *Server) handleMintReceipt(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "MintReceipt", s.asOwner(func(cmd tracker.Command, owner tracker.Account) {
		cmd.(*tracker.MintReceipt).Caller = owner
	}))
}

func (s *Server) handleSweepLeftovers(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "SweepLeftovers", s.asOwner(func(cmd tracker.Command, owner tracker.Account) {
		cmd.(*tracker.SweepLeftovers).Caller = owner
	}))
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "EmergencyWithdraw", s.asOwner(func(cmd tracker.Command, owner tracker.Account) {
		cmd.(*tracker.EmergencyWithdraw).Caller = owner
	}))
}

// asOwner stamps the configured owner account as the caller. Admin routes
// are already behind the bearer token, so the token IS the owner identity.
func (s *Server) asOwner(set func(tracker.Command, tracker.Account)) func(tracker.Command) error {
	return func(cmd tracker.Command) error {
		set(cmd, s.cfg.Owner)
		return nil
	}
}

// submit reads the body, parses the named command, applies any fixup, and
// runs it through the loop.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, name string, fixup func(tracker.Command) error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	cmd, err := ingestion.ParseCommand(name, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if fixup != nil {
		if err := fixup(cmd); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	res, err := s.loop.Do(r.Context(), cmd)
	if err != nil {
		status, msg := mapCommandError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Duplicate: res.Duplicate,
		Index:     res.Index,
		TokenID:   res.TokenID,
		Amount:    res.Amount,
		Timestamp: res.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// mapCommandError translates engine rejections into HTTP statuses:
// validation 400, unknown lot 404, state conflicts and insufficient funds
// 409, capacity 429, authorization 403.
func mapCommandError(err error) (int, string) {
	var (
		invalidIndex     *tracker.InvalidIndexError
		alreadyAllocated *tracker.AlreadyAllocatedError
		insufficient     *tracker.InsufficientFundsError
		tooManyLots      *tracker.TooManyDonationsError
		tooManyDonators  *tracker.TooManyActiveDonatorsError
		notADonator      *tracker.NotADonatorError
		notARecipient    *tracker.NotARecipientError
		alreadyRequested *tracker.ReceiptAlreadyRequestedError
		notRequested     *tracker.ReceiptNotRequestedError
		alreadyMinted    *tracker.ReceiptAlreadyMintedError
	)

	switch {
	case errors.As(err, &invalidIndex):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &alreadyAllocated),
		errors.As(err, &alreadyRequested),
		errors.As(err, &notRequested),
		errors.As(err, &alreadyMinted):
		return http.StatusConflict, err.Error()
	case errors.As(err, &insufficient):
		return http.StatusConflict, err.Error()
	case errors.As(err, &tooManyLots), errors.As(err, &tooManyDonators):
		return http.StatusTooManyRequests, err.Error()
	case errors.As(err, &notADonator), errors.As(err, &notARecipient):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, tracker.ErrNotOwner):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, tracker.ErrNullDonation),
		errors.Is(err, tracker.ErrUseDonate),
		errors.Is(err, tracker.ErrNoLeftovers):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tracker.ErrLoopStopped):
		return http.StatusServiceUnavailable, "shutting down"
	}
	return http.StatusInternalServerError, err.Error()
}

// --- Live engine views ---

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	var recipients []tracker.Recipient
	if err := s.loop.View(r.Context(), func(e *tracker.Engine) {
		recipients = e.Recipients()
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recipients)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	var totals tracker.Totals
	if err := s.loop.View(r.Context(), func(e *tracker.Engine) {
		totals = e.Totals()
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

type isRecipientResponse struct {
	Account     string `json:"account"`
	IsRecipient bool   `json:"is_recipient"`
}

func (s *Server) handleIsRecipient(w http.ResponseWriter, r *http.Request) {
	account := tracker.Account(chi.URLParam(r, "account"))

	resp := isRecipientResponse{Account: string(account)}
	if err := s.loop.View(r.Context(), func(e *tracker.Engine) {
		resp.IsRecipient = e.IsRecipient(account)
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type claimsResponse struct {
	Recipient      string          `json:"recipient"`
	Total          int64           `json:"total"`
	ActiveDonators []claimsDonator `json:"active_donators"`
}

type claimsDonator struct {
	Donator string `json:"donator"`
	Claim   int64  `json:"claim"`
}

func (s *Server) handleRecipientClaims(w http.ResponseWriter, r *http.Request) {
	account := tracker.Account(chi.URLParam(r, "account"))

	var (
		known bool
		resp  claimsResponse
	)
	if err := s.loop.View(r.Context(), func(e *tracker.Engine) {
		known = e.IsRecipient(account)
		if !known {
			return
		}
		resp.Recipient = string(account)
		resp.Total = e.ClaimTotal(account)
		for _, donator := range e.ActiveDonators(account) {
			resp.ActiveDonators = append(resp.ActiveDonators, claimsDonator{
				Donator: string(donator),
				Claim:   e.ClaimOf(account, donator),
			})
		}
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !known {
		writeError(w, http.StatusNotFound, "unknown recipient")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type lotsResponse struct {
	Donator       string             `json:"donator"`
	LiveCount     int                `json:"live_count"`
	LifetimeCount int64              `json:"lifetime_count"`
	TotalDonated  int64              `json:"total_donated"`
	Unspent       int64              `json:"unspent"`
	Lots          []tracker.Donation `json:"lots"`
}

func (s *Server) handleDonatorLots(w http.ResponseWriter, r *http.Request) {
	donator := tracker.Account(chi.URLParam(r, "donator"))

	var resp lotsResponse
	if err := s.loop.View(r.Context(), func(e *tracker.Engine) {
		resp.Donator = string(donator)
		resp.LiveCount = e.DonationCount(donator)
		resp.LifetimeCount = e.LifetimeDonationCount(donator)
		resp.TotalDonated = e.DonatedTotal(donator)
		resp.Unspent = e.UnspentTotal(donator)
		resp.Lots = e.Donations(donator)
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if resp.Lots == nil {
		resp.Lots = []tracker.Donation{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDonatorLot(w http.ResponseWriter, r *http.Request) {
	donator := tracker.Account(chi.URLParam(r, "donator"))
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lot index")
		return
	}

	var (
		lot    tracker.Donation
		lotErr error
	)
	if viewErr := s.loop.View(r.Context(), func(e *tracker.Engine) {
		lot, lotErr = e.DonationAt(donator, index)
	}); viewErr != nil {
		writeError(w, http.StatusServiceUnavailable, viewErr.Error())
		return
	}
	if lotErr != nil {
		status, msg := mapCommandError(lotErr)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

type receiptSupplyResponse struct {
	Supply int64           `json:"supply"`
	Tokens []receipt.Token `json:"tokens"`
}

// handleReceiptSupply reads the minter inside a View: mints happen on the
// loop goroutine, so the read is serialized against them.
func (s *Server) handleReceiptSupply(w http.ResponseWriter, r *http.Request) {
	var resp receiptSupplyResponse
	if err := s.loop.View(r.Context(), func(*tracker.Engine) {
		resp.Supply = s.minter.Supply()
		resp.Tokens = s.minter.Tokens()
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if resp.Tokens == nil {
		resp.Tokens = []receipt.Token{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Projection-backed queries ---

func (s *Server) handleDonatorDonations(w http.ResponseWriter, r *http.Request) {
	donations, err := s.queries.GetDonations(r.Context(), chi.URLParam(r, "donator"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, donations)
}

func (s *Server) handleDonatorStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.GetDonatorStats(r.Context(), chi.URLParam(r, "donator"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDonatorAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := s.queries.GetAllocations(r.Context(), chi.URLParam(r, "donator"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, allocations)
}

func (s *Server) handleDonatorSpendings(w http.ResponseWriter, r *http.Request) {
	spendings, err := s.queries.GetSpendings(r.Context(), chi.URLParam(r, "donator"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spendings)
}

func (s *Server) handleDonatorReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.queries.GetReceiptsByDonator(r.Context(), chi.URLParam(r, "donator"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleRecipientStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.GetRecipientStats(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(chi.URLParam(r, "tokenID"), 10, 64)
	if err != nil || tokenID < 1 {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	receiptResp, err := s.queries.GetReceipt(r.Context(), tokenID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if receiptResp == nil {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, receiptResp)
}

// --- helpers ---

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
