package server

import (
	"KeepTrade/internal/observability"
	"KeepTrade/internal/query"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// queryRoutes serves the read API as JSON. Projection reads come from
// Postgres; quotes and the live fee config come from the core.
type queryRoutes struct {
	queries *query.QueryService
	reader  *query.CoreReader
	metrics *observability.Metrics
}

// newGatewayMux registers every read route on a grpc-gateway mux.
func newGatewayMux(routes *queryRoutes) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	handlers := []struct {
		pattern  string
		endpoint string
		h        runtime.HandlerFunc
	}{
		{"/v1/trades/{id}", "trade", routes.trade},
		{"/v1/trades/{id}/fills", "fills", routes.fills},
		{"/v1/owners/{owner}/trades", "owner_trades", routes.ownerTrades},
		{"/v1/quote/{id}", "quote", routes.quote},
		{"/v1/holders/{holder}/balances", "balances", routes.balances},
		{"/v1/holders/{holder}/transfers", "transfers", routes.transfers},
		{"/v1/fee-config", "fee_config", routes.feeConfig},
		{"/v1/integrity", "integrity", routes.integrity},
	}
	for _, h := range handlers {
		if err := mux.HandlePath(http.MethodGet, h.pattern, routes.instrument(h.endpoint, h.h)); err != nil {
			return nil, fmt.Errorf("register %s: %w", h.pattern, err)
		}
	}
	return mux, nil
}

// statusWriter remembers the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (q *queryRoutes) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r, params)
		if q.metrics != nil {
			q.metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(sw.code)).Inc()
			q.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func (q *queryRoutes) trade(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseTradeID(params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	resp, err := q.queries.GetTrade(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (q *queryRoutes) fills(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseTradeID(params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	resp, err := q.queries.GetFills(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"fills": resp})
}

func (q *queryRoutes) ownerTrades(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner, err := parseHolder("owner", params["owner"])
	if err != nil {
		writeError(w, err)
		return
	}
	qv := r.URL.Query()
	limit, _ := strconv.Atoi(qv.Get("limit"))
	var after *uint64
	if s := qv.Get("after"); s != "" {
		id, err := parseTradeID(s)
		if err != nil {
			writeError(w, err)
			return
		}
		after = &id
	}
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	resp, err := q.queries.GetTradesByOwner(r.Context(), owner, qv.Get("status"), limit, after)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"trades": resp})
}

func (q *queryRoutes) quote(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := parseTradeID(params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	keeper, err := parseHolder("keeper", r.URL.Query().Get("keeper"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := q.reader.Quote(r.Context(), id, keeper)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (q *queryRoutes) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	holder, err := parseHolder("holder", params["holder"])
	if err != nil {
		writeError(w, err)
		return
	}
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	resp, err := q.queries.GetBalances(r.Context(), holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (q *queryRoutes) transfers(w http.ResponseWriter, r *http.Request, params map[string]string) {
	holder, err := parseHolder("holder", params["holder"])
	if err != nil {
		writeError(w, err)
		return
	}
	qv := r.URL.Query()
	limit, _ := strconv.Atoi(qv.Get("limit"))
	var before *int64
	if s := qv.Get("before"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "before: %v", err))
			return
		}
		before = &seq
	}
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	resp, err := q.queries.GetTransferHistory(r.Context(), holder, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"transfers": resp})
}

// feeConfig serves the projected config, or the core's with ?live=true.
func (q *queryRoutes) feeConfig(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var (
		resp *query.FeeConfigResponse
		err  error
	)
	if r.URL.Query().Get("live") == "true" || q.queries == nil {
		resp, err = q.reader.FeeConfig(r.Context())
	} else {
		resp, err = q.queries.GetFeeConfig(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (q *queryRoutes) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if q.queries == nil {
		writeError(w, errNoProjections)
		return
	}
	report, err := q.queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !report.IsHealthy {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(report)
		return
	}
	writeJSON(w, report)
}

var errNoProjections = status.Error(codes.Unimplemented, "projections are not enabled")

func parseTradeID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "trade id %q: %v", s, err)
	}
	return id, nil
}

func parseHolder(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, status.Errorf(codes.InvalidArgument, "%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError renders err with the HTTP status grpc-gateway uses for its code.
func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
