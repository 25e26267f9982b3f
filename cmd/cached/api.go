package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jerrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/quorumcache/engine"
	"github.com/IvanBrykalov/quorumcache/errs"
	"github.com/IvanBrykalov/quorumcache/txn"
)

const maxValueBytes = 4 << 20

type api struct {
	eng *engine.Engine
	log *zap.Logger
}

// routes registers the HTTP API on r.
func (a *api) routes(r *mux.Router) {
	r.Use(a.logging)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/kv/{key}", a.get).Methods(http.MethodGet)
	v1.HandleFunc("/kv/{key}", a.put).Methods(http.MethodPut)
	v1.HandleFunc("/kv/{key}", a.del).Methods(http.MethodDelete)

	v1.HandleFunc("/tx", a.begin).Methods(http.MethodPost)
	v1.HandleFunc("/tx/{id:[0-9]+}/kv/{key}", a.txGet).Methods(http.MethodGet)
	v1.HandleFunc("/tx/{id:[0-9]+}/kv/{key}", a.txPut).Methods(http.MethodPut)
	v1.HandleFunc("/tx/{id:[0-9]+}/kv/{key}", a.txDel).Methods(http.MethodDelete)
	v1.HandleFunc("/tx/{id:[0-9]+}/commit", a.commit).Methods(http.MethodPost)
	v1.HandleFunc("/tx/{id:[0-9]+}/abort", a.abort).Methods(http.MethodPost)

	v1.HandleFunc("/flush", a.flush).Methods(http.MethodPost)
	v1.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	v, err := a.eng.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeValue(w, v)
}

func (a *api) put(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err := a.eng.Put(r.Context(), mux.Vars(r)["key"], body); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) del(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Delete(r.Context(), mux.Vars(r)["key"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type txResponse struct {
	ID        uint64        `json:"id"`
	Isolation txn.Isolation `json:"isolation"`
	Status    string        `json:"status"`
}

func (a *api) begin(w http.ResponseWriter, r *http.Request) {
	var level txn.Isolation
	if q := r.URL.Query().Get("isolation"); q != "" {
		l, err := txn.ParseIsolation(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		level = l
	}
	tx := a.eng.Begin(level)
	writeJSON(w, http.StatusCreated, txResponse{ID: tx.ID(), Isolation: tx.Level(), Status: tx.Status().String()})
}

// tx resolves the {id} route variable to an active transaction.
func (a *api) tx(w http.ResponseWriter, r *http.Request) (*txn.Tx, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad transaction id", http.StatusBadRequest)
		return nil, false
	}
	tx, err := a.eng.Tx(id)
	if err != nil {
		a.fail(w, err)
		return nil, false
	}
	return tx, true
}

func (a *api) txGet(w http.ResponseWriter, r *http.Request) {
	tx, ok := a.tx(w, r)
	if !ok {
		return
	}
	v, err := tx.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeValue(w, v)
}

func (a *api) txPut(w http.ResponseWriter, r *http.Request) {
	tx, ok := a.tx(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err := tx.Put(r.Context(), mux.Vars(r)["key"], body); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) txDel(w http.ResponseWriter, r *http.Request) {
	tx, ok := a.tx(w, r)
	if !ok {
		return
	}
	if err := tx.Delete(r.Context(), mux.Vars(r)["key"]); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) commit(w http.ResponseWriter, r *http.Request) {
	tx, ok := a.tx(w, r)
	if !ok {
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{ID: tx.ID(), Isolation: tx.Level(), Status: tx.Status().String()})
}

func (a *api) abort(w http.ResponseWriter, r *http.Request) {
	tx, ok := a.tx(w, r)
	if !ok {
		return
	}
	if err := tx.Abort(); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{ID: tx.ID(), Isolation: tx.Level(), Status: tx.Status().String()})
}

func (a *api) flush(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Flush(r.Context()); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Stats())
}

// fail writes err as a JSON error body with a status derived from its code.
func (a *api) fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, errs.Response(err))
}

func httpStatus(err error) int {
	switch errs.Code(err) {
	case jerrors.CodeNotFound:
		return http.StatusNotFound
	case jerrors.CodeConflict:
		return http.StatusConflict
	case jerrors.CodeInvalidInput, jerrors.CodeInvalidConfig:
		return http.StatusBadRequest
	case jerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case jerrors.CodeUnavailable, jerrors.CodeNetwork:
		return http.StatusServiceUnavailable
	case jerrors.CodeDatabase:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeValue(w http.ResponseWriter, v []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
