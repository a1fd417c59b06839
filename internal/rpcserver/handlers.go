package rpcserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"agrilend/internal/apierr"
	"agrilend/internal/audit"
	"agrilend/internal/authz"
	"agrilend/internal/domain"
	"agrilend/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func parseUint64Param(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 64)
}

// --- NFTs ---

type mintNFTRequest struct {
	Caller   string            `json:"caller"`
	Owner    string            `json:"owner"`
	Metadata map[string]string `json:"metadata"`
}

// natMetadataKeys lists the metadata keys the registry expects as natural
// numbers rather than free text; everything else in a mint request arrives
// over the wire as a string and is carried through as-is.
var natMetadataKeys = map[string]bool{
	domain.MetaValuationIDR: true,
	domain.MetaQuantity:     true,
}

func metadataFromMap(m map[string]string) domain.Metadata {
	out := make(domain.Metadata, 0, len(m))
	for k, v := range m {
		if natMetadataKeys[k] {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				out = append(out, domain.MetadataEntry{Key: k, Value: domain.NatValue(n)})
				continue
			}
		}
		out = append(out, domain.MetadataEntry{Key: k, Value: domain.TextValue(v)})
	}
	return out
}

func (s *Server) handleMintNFT(w http.ResponseWriter, r *http.Request) {
	var req mintNFTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	metadata := metadataFromMap(req.Metadata)
	nft, record, err := s.Collateral.Mint(domain.Principal(req.Caller), domain.Principal(req.Owner), metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.Principal(req.Caller), "collateral", "mint_nft", domain.EntitySnapshot{Kind: "nft", ID: nft.TokenID})
	writeJSON(w, http.StatusCreated, map[string]interface{}{"nft": nft, "collateral": record})
}

type transferNFTRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
}

func (s *Server) handleTransferNFT(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseUint(r.URL.Query().Get("token_id"), 10, 64)
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid token_id"))
		return
	}
	var req transferNFTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.Collateral.Transfer(tokenID, domain.Principal(req.Caller), domain.Principal(req.To)); err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.Principal(req.Caller), "collateral", "transfer_nft", domain.EntitySnapshot{Kind: "nft", ID: tokenID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleGetNFT(w http.ResponseWriter, r *http.Request) {
	tokenID, err := parseUint64Param(r, "tokenID")
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid tokenID"))
		return
	}
	nft, err := s.Collateral.GetNFT(tokenID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nft)
}

func (s *Server) handleListNFTsByOwner(w http.ResponseWriter, r *http.Request) {
	owner := principalParam(r, "owner")
	ids, err := s.Collateral.ListByOwner(owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token_ids": ids})
}

// --- Loans ---

type applyLoanRequest struct {
	Borrower        string `json:"borrower"`
	NFTID           uint64 `json:"nft_id"`
	AmountRequested uint64 `json:"amount_requested"`
}

func (s *Server) handleApplyLoan(w http.ResponseWriter, r *http.Request) {
	var req applyLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	l, err := s.Loans.Apply(domain.Principal(req.Borrower), req.NFTID, req.AmountRequested)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Metrics.LoansApplied.Inc()
	s.logAudit(domain.Principal(req.Borrower), "loan", "apply_loan", domain.EntitySnapshot{Kind: "loan", ID: l.ID})
	writeJSON(w, http.StatusCreated, l)
}

type approveLoanRequest struct {
	Caller         string `json:"caller"`
	LoanID         uint64 `json:"loan_id"`
	AmountApproved uint64 `json:"amount_approved"`
}

func (s *Server) handleApproveLoan(w http.ResponseWriter, r *http.Request) {
	var req approveLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireLoanManager(w, req.Caller) {
		return
	}
	l, err := s.Loans.Approve(req.LoanID, req.AmountApproved)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.Principal(req.Caller), "loan", "approve_loan", domain.EntitySnapshot{Kind: "loan", ID: l.ID})
	writeJSON(w, http.StatusOK, l)
}

type disburseLoanRequest struct {
	Caller          string `json:"caller"`
	LoanID          uint64 `json:"loan_id"`
	BorrowerAccount string `json:"borrower_account"`
}

func (s *Server) handleDisburseLoan(w http.ResponseWriter, r *http.Request) {
	var req disburseLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireLoanManager(w, req.Caller) {
		return
	}
	l, err := s.Loans.Disburse(req.LoanID, func(amount uint64) (uint64, error) {
		return s.Ledger.Transfer(r.Context(), ledger.TransferArgs{
			From:   ledger.Account{Owner: string(domain.ProtocolPrincipal)},
			To:     ledger.Account{Owner: req.BorrowerAccount},
			Amount: amount,
		})
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.Metrics.LoansDisbursed.Inc()
	s.logAudit(domain.Principal(req.Caller), "loan", "disburse_loan", domain.EntitySnapshot{Kind: "loan", ID: l.ID})
	writeJSON(w, http.StatusOK, l)
}

type repayLoanRequest struct {
	LoanID     uint64 `json:"loan_id"`
	Payer      string `json:"payer"`
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"block_index"`
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	var req repayLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	l, breakdown, err := s.Loans.Repay(req.LoanID, domain.Principal(req.Payer), req.Amount, req.BlockIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	if l.Status == domain.LoanRepaid {
		s.Metrics.LoansRepaid.Inc()
	}
	s.logAudit(domain.Principal(req.Payer), "loan", "repay_loan", domain.EntitySnapshot{Kind: "loan", ID: l.ID})
	writeJSON(w, http.StatusOK, map[string]interface{}{"loan": l, "breakdown": breakdown})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, err := parseUint64Param(r, "loanID")
	if err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid loanID"))
		return
	}
	l, err := s.Loans.Get(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleListLoansByBorrower(w http.ResponseWriter, r *http.Request) {
	borrower := principalParam(r, "borrower")
	ids, err := s.Loans.ListByBorrower(borrower)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loan_ids": ids})
}

// --- Pool ---

type depositRequest struct {
	Investor   string `json:"investor"`
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"block_index"`
}

func (s *Server) handleDepositLiquidity(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.Pool.Deposit(domain.Principal(req.Investor), req.Amount, req.BlockIndex); err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.Principal(req.Investor), "pool", "deposit_liquidity", domain.EntitySnapshot{Kind: "investor", JSON: req.Investor})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}

type withdrawRequest struct {
	Investor   string `json:"investor"`
	Amount     uint64 `json:"amount"`
	BlockIndex uint64 `json:"block_index"`
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.Pool.Withdraw(domain.Principal(req.Investor), req.Amount, req.BlockIndex); err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.Principal(req.Investor), "pool", "withdraw_liquidity", domain.EntitySnapshot{Kind: "investor", JSON: req.Investor})
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (s *Server) handleGetPoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Pool.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetInvestorBalance(w http.ResponseWriter, r *http.Request) {
	principal := principalParam(r, "principal")
	bal, err := s.Pool.GetInvestor(principal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- Oracle ---

func (s *Server) handleFetchCommodityPrice(w http.ResponseWriter, r *http.Request) {
	commodity := chi.URLParam(r, "commodity")
	price, err := s.Oracle.Fetch(r.Context(), commodity)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logAudit(domain.ProtocolPrincipal, "oracle", "fetch_commodity_price", domain.EntitySnapshot{Kind: "commodity_price", JSON: commodity})
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleGetCommodityPrice(w http.ResponseWriter, r *http.Request) {
	commodity := chi.URLParam(r, "commodity")
	price, err := s.Oracle.GetCached(commodity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

type adminSetPriceRequest struct {
	Caller       string `json:"caller"`
	PricePerUnit uint64 `json:"price_per_unit"`
	Reason       string `json:"reason"`
}

func (s *Server) handleAdminSetCommodityPrice(w http.ResponseWriter, r *http.Request) {
	commodity := chi.URLParam(r, "commodity")
	var req adminSetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.KindValidation, "invalid request body: %v", err))
		return
	}
	if !s.requireAdmin(w, req.Caller) {
		return
	}
	price := s.Oracle.AdminOverride(commodity, req.PricePerUnit, req.Reason)
	if s.Audit != nil {
		_, _ = s.Audit.Log(audit.Entry{
			Caller:   domain.Principal(req.Caller),
			Category: "oracle",
			Action:   "admin_set_commodity_price",
			Level:    domain.AuditWarn,
			Success:  true,
			After:    domain.EntitySnapshot{Kind: "commodity_price", JSON: req.Reason},
		})
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleIsPriceStale(w http.ResponseWriter, r *http.Request) {
	commodity := chi.URLParam(r, "commodity")
	stale, err := s.Oracle.IsPriceStale(commodity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stale": stale})
}

// logAudit records a mutating operation's outcome. A nil Audit is a no-op,
// same contract as internal/governance and internal/liquidation's own audit
// calls: the trail is best-effort and a failed write never changes the
// response.
func (s *Server) logAudit(caller domain.Principal, category, action string, after domain.EntitySnapshot) {
	if s.Audit == nil {
		return
	}
	_, _ = s.Audit.Log(audit.Entry{
		Caller:   caller,
		Category: category,
		Action:   action,
		Level:    domain.AuditInfo,
		Success:  true,
		After:    after,
	})
}

func (s *Server) requireAdmin(w http.ResponseWriter, caller string) bool {
	if caller == "" || !authz.IsAdmin(s.Authorizer, domain.Principal(caller)) {
		writeError(w, apierr.New(apierr.KindUnauthorized, "caller is not an admin"))
		return false
	}
	return true
}

func (s *Server) requireLoanManager(w http.ResponseWriter, caller string) bool {
	if caller == "" || !authz.IsLoanManager(s.Authorizer, domain.Principal(caller)) {
		writeError(w, apierr.New(apierr.KindUnauthorized, "caller is not a loan manager"))
		return false
	}
	return true
}
