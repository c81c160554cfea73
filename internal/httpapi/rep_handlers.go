package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"kudos.org/internal/obs"
	"kudos.org/internal/reputation"
)

type registerOrgRequest struct {
	OrgID string `json:"org_id"`
}

type awarderRequest struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

type transferOwnershipRequest struct {
	NewAdmin string `json:"new_admin"`
}

type awardRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

type revokeRequest struct {
	From   string `json:"from"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// decayConfigPayload is the wire shape of a decay configuration; durations
// travel as whole seconds.
type decayConfigPayload struct {
	Rate               int64 `json:"rate"`
	IntervalSeconds    int64 `json:"interval_seconds"`
	MinThreshold       int64 `json:"min_threshold"`
	GracePeriodSeconds int64 `json:"grace_period_seconds"`
	Enabled            bool  `json:"enabled"`
}

func (p decayConfigPayload) toDomain() reputation.DecayConfig {
	return reputation.DecayConfig{
		Rate:         p.Rate,
		Interval:     time.Duration(p.IntervalSeconds) * time.Second,
		MinThreshold: p.MinThreshold,
		GracePeriod:  time.Duration(p.GracePeriodSeconds) * time.Second,
		Enabled:      p.Enabled,
	}
}

func fromDomainConfig(cfg reputation.DecayConfig) decayConfigPayload {
	return decayConfigPayload{
		Rate:               cfg.Rate,
		IntervalSeconds:    int64(cfg.Interval / time.Second),
		MinThreshold:       cfg.MinThreshold,
		GracePeriodSeconds: int64(cfg.GracePeriod / time.Second),
		Enabled:            cfg.Enabled,
	}
}

type capsRequest struct {
	PerAwarderDaily int64 `json:"per_awarder_daily"`
	GlobalDaily     int64 `json:"global_daily"`
}

type batchDecayRequest struct {
	Cursor string `json:"cursor,omitempty"`
	Budget int    `json:"budget"`
}

type listTransactionsResponse struct {
	Items  []reputation.Transaction `json:"items"`
	Total  int                      `json:"total"`
	Offset int                      `json:"offset"`
	Limit  int                      `json:"limit"`
	AsOf   time.Time                `json:"as_of"`
}

func (a *API) handleOrgsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerOrganization(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleOrgResource dispatches everything under /v1/orgs/{org}/.
func (a *API) handleOrgResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/orgs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	orgID := segments[0]
	rest := segments[1:]

	switch {
	case len(rest) == 1 && rest[0] == "stats" && r.Method == http.MethodGet:
		a.orgStats(w, r, orgID)
	case len(rest) == 1 && rest[0] == "awarders":
		switch r.Method {
		case http.MethodGet:
			a.listAwarders(w, r, orgID)
		case http.MethodPost:
			a.addAwarder(w, r, orgID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case len(rest) == 2 && rest[0] == "awarders":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.removeAwarder(w, r, orgID, rest[1])
	case len(rest) == 1 && rest[0] == "admin":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.transferOwnership(w, r, orgID)
	case len(rest) == 1 && rest[0] == "awards":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.award(w, r, orgID)
	case len(rest) == 1 && rest[0] == "revocations":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revoke(w, r, orgID)
	case len(rest) == 1 && rest[0] == "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listTransactions(w, r, orgID)
	case len(rest) == 2 && rest[0] == "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getTransaction(w, r, orgID, rest[1])
	case len(rest) == 3 && rest[0] == "accounts" && rest[2] == "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, orgID, rest[1])
	case len(rest) == 3 && rest[0] == "accounts" && rest[2] == "decay":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.applyDecay(w, r, orgID, rest[1])
	case len(rest) == 4 && rest[0] == "accounts" && rest[2] == "decay" && rest[3] == "preview":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.previewDecay(w, r, orgID, rest[1])
	case len(rest) == 1 && rest[0] == "decay-config":
		a.handleOrgDecayConfig(w, r, orgID)
	case len(rest) == 1 && rest[0] == "caps":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.setCaps(w, r, orgID)
	case len(rest) == 2 && rest[0] == "decay" && rest[1] == "run":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.runBatchDecay(w, r, orgID)
	case len(rest) == 2 && rest[0] == "decay" && rest[1] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.decayStats(w, r, orgID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) registerOrganization(w http.ResponseWriter, r *http.Request) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req registerOrgRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rep.RegisterOrganization(r.Context(), req.OrgID, caller); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "reputation.org.register", map[string]any{
		"org_id": req.OrgID,
		"admin":  caller.String(),
	})
	w.Header().Set("Location", "/v1/orgs/"+req.OrgID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": "ok",
		"org_id": req.OrgID,
		"admin":  caller.String(),
	})
}

func (a *API) addAwarder(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req awarderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	awarder, err := reputation.ParseIdentity(req.Identity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.rep.AddAwarder(r.Context(), orgID, caller, awarder, req.Name); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "reputation.awarder.add", map[string]any{
		"org_id":  orgID,
		"awarder": awarder.String(),
		"name":    req.Name,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "ok",
		"awarder": awarder.String(),
	})
}

func (a *API) removeAwarder(w http.ResponseWriter, r *http.Request, orgID, rawIdentity string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	awarder, err := reputation.ParseIdentity(rawIdentity)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.rep.RemoveAwarder(r.Context(), orgID, caller, awarder); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "reputation.awarder.remove", map[string]any{
		"org_id":  orgID,
		"awarder": awarder.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) listAwarders(w http.ResponseWriter, r *http.Request, orgID string) {
	awarders, err := a.rep.ListAwarders(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": awarders})
}

func (a *API) transferOwnership(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req transferOwnershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	newAdmin, err := reputation.ParseIdentity(req.NewAdmin)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.rep.TransferOwnership(r.Context(), orgID, caller, newAdmin); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "reputation.org.transfer_ownership", map[string]any{
		"org_id":    orgID,
		"new_admin": newAdmin.String(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "admin": newAdmin.String()})
}

func (a *API) award(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req awardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := reputation.ParseIdentity(req.To)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	tx, err := a.rep.Award(r.Context(), orgID, caller, to, req.Amount, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveTransaction(string(tx.Type))
	a.publish(orgID, tx)
	a.audit(r.Context(), "reputation.award", map[string]any{
		"org_id":         orgID,
		"to":             to.String(),
		"amount":         strconv.FormatInt(req.Amount, 10),
		"transaction_id": tx.ID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":      "ok",
		"transaction": tx,
	})
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	from, err := reputation.ParseIdentity(req.From)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	tx, err := a.rep.Revoke(r.Context(), orgID, caller, from, req.Amount, req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	obs.ObserveTransaction(string(tx.Type))
	a.publish(orgID, tx)
	a.audit(r.Context(), "reputation.revoke", map[string]any{
		"org_id":         orgID,
		"from":           from.String(),
		"amount":         strconv.FormatInt(req.Amount, 10),
		"transaction_id": tx.ID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":      "ok",
		"transaction": tx,
	})
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, orgID, rawAccount string) {
	account, err := reputation.ParseIdentity(rawAccount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	now := time.Now().UTC()
	switch r.URL.Query().Get("view") {
	case "", "current":
		balance, err := a.rep.Balance(r.Context(), orgID, account, now)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account": account.String(),
			"balance": balance,
		})
	case "raw":
		raw, err := a.rep.RawBalance(r.Context(), orgID, account)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"account":     account.String(),
			"raw_balance": raw,
		})
	case "details":
		details, err := a.rep.BalanceDetails(r.Context(), orgID, account, now)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, details)
	default:
		writeError(w, r, http.StatusBadRequest, "view must be one of current, raw, details")
	}
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request, orgID string) {
	offset, err := parseNonNegativeInt(r.URL.Query().Get("offset"), 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset "+err.Error())
		return
	}
	limit, err := parseNonNegativeInt(r.URL.Query().Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}

	var (
		items []reputation.Transaction
		total int
	)
	if rawAccount := r.URL.Query().Get("account"); rawAccount != "" {
		account, err := reputation.ParseIdentity(rawAccount)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		items, total, err = a.rep.ListAccountTransactions(r.Context(), orgID, account, offset, limit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
	} else {
		items, total, err = a.rep.ListTransactions(r.Context(), orgID, offset, limit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	if items == nil {
		items = []reputation.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:  items,
		Total:  total,
		Offset: offset,
		Limit:  limit,
		AsOf:   time.Now().UTC(),
	})
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request, orgID, rawID string) {
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "transaction id must be a positive integer")
		return
	}
	tx, err := a.rep.GetTransaction(r.Context(), orgID, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) previewDecay(w http.ResponseWriter, r *http.Request, orgID, rawAccount string) {
	account, err := reputation.ParseIdentity(rawAccount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	amount, err := a.rep.PreviewDecay(r.Context(), orgID, account, time.Now().UTC())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account":       account.String(),
		"pending_decay": amount,
	})
}

func (a *API) applyDecay(w http.ResponseWriter, r *http.Request, orgID, rawAccount string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	account, err := reputation.ParseIdentity(rawAccount)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	res, err := a.rep.ApplyDecay(r.Context(), orgID, caller, account, time.Now().UTC())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if res.Applied {
		obs.ObserveTransaction(string(reputation.TxDecay))
		obs.ObserveDecay(res.Amount)
		a.publish(orgID, reputation.Transaction{
			ID:        res.TxID,
			Type:      reputation.TxDecay,
			From:      account,
			To:        account,
			Amount:    res.Amount,
			Timestamp: time.Now().UTC(),
		})
		a.audit(r.Context(), "reputation.decay.apply", map[string]any{
			"org_id":         orgID,
			"account":        account.String(),
			"amount":         res.Amount,
			"transaction_id": res.TxID,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleOrgDecayConfig(w http.ResponseWriter, r *http.Request, orgID string) {
	switch r.Method {
	case http.MethodGet:
		cfg, source, err := a.rep.EffectiveDecayConfig(r.Context(), orgID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"config": fromDomainConfig(cfg),
			"source": source,
		})
	case http.MethodPut:
		caller, err := callerIdentity(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		var req decayConfigPayload
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rep.SetOrgDecayConfig(r.Context(), orgID, caller, req.toDomain()); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "reputation.decay.configure", map[string]any{
			"org_id": orgID,
			"scope":  "org",
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case http.MethodDelete:
		caller, err := callerIdentity(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		if err := a.rep.ClearOrgDecayConfig(r.Context(), orgID, caller); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "reputation.decay.configure", map[string]any{
			"org_id": orgID,
			"scope":  "org",
			"action": "clear_override",
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) setCaps(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req capsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	cfg := reputation.CapConfig{PerAwarderDaily: req.PerAwarderDaily, GlobalDaily: req.GlobalDaily}
	if err := a.rep.SetCapConfig(r.Context(), orgID, caller, cfg); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "reputation.caps.configure", map[string]any{
		"org_id":            orgID,
		"per_awarder_daily": req.PerAwarderDaily,
		"global_daily":      req.GlobalDaily,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) runBatchDecay(w http.ResponseWriter, r *http.Request, orgID string) {
	caller, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	var req batchDecayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rep.RunBatchDecay(r.Context(), orgID, caller, req.Cursor, req.Budget, time.Now().UTC())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	obs.ObserveBatchRun()
	obs.ObserveDecay(res.TotalDecayed)
	a.audit(r.Context(), "reputation.decay.batch", map[string]any{
		"org_id":        orgID,
		"processed":     res.Processed,
		"skipped":       res.Skipped,
		"total_decayed": res.TotalDecayed,
		"done":          res.Done,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) orgStats(w http.ResponseWriter, r *http.Request, orgID string) {
	stats, err := a.rep.OrgStats(r.Context(), orgID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) decayStats(w http.ResponseWriter, r *http.Request, orgID string) {
	stats, err := a.rep.DecayStats(r.Context(), orgID, time.Now().UTC())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- global (operator) surface ---

func (a *API) handleGlobalDecayConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := a.rep.GlobalDecayConfig(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"config": fromDomainConfig(cfg),
			"source": "global",
		})
	case http.MethodPut:
		if !a.requireOperator(w, r) {
			return
		}
		var req decayConfigPayload
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rep.SetGlobalDecayConfig(r.Context(), req.toDomain()); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "reputation.decay.configure", map[string]any{"scope": "global"})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleGlobalBatchDecay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireOperator(w, r) {
		return
	}
	var req batchDecayRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.rep.RunBatchDecay(r.Context(), "", "", req.Cursor, req.Budget, time.Now().UTC())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	obs.ObserveBatchRun()
	obs.ObserveDecay(res.TotalDecayed)
	a.audit(r.Context(), "reputation.decay.batch", map[string]any{
		"scope":         "global",
		"processed":     res.Processed,
		"skipped":       res.Skipped,
		"total_decayed": res.TotalDecayed,
		"done":          res.Done,
	})
	writeJSON(w, http.StatusOK, res)
}
