package http

import (
	"net/http"

	"saldo/internal/core"
	"saldo/internal/log"
)

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transactionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	tx, err := s.deps.Writer.Create(ctx, req.input())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogMutation(ctx, log.OpCreate,
		tx.ID, string(tx.Type), tx.Amount.Cents, tx.Timestamp.Format(timeLayout))
	NewJSONResponse().Status(http.StatusCreated).Body(toTransactionResponse(tx)).Write(w)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := ParsePageParams(r.URL.Query())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	page, err := s.deps.Reader.ListTransactions(ctx, params.Cursor, params.Limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	NewJSONResponse().Body(pageResponse{
		Data:         toTransactionResponses(page.Data),
		NextCursor:   page.NextCursor,
		HasMore:      page.HasMore,
		InvalidCount: page.InvalidCount,
	}).Write(w)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := ParsePathID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	tx, err := s.deps.Reader.GetTransaction(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	NewJSONResponse().Body(toTransactionResponse(tx)).Write(w)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := ParsePathID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	var req transactionRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	tx, err := s.deps.Writer.Update(ctx, id, req.patch())
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogMutation(ctx, log.OpUpdate,
		tx.ID, string(tx.Type), tx.Amount.Cents, tx.Timestamp.Format(timeLayout))
	NewJSONResponse().Body(toTransactionResponse(tx)).Write(w)
}

type deleteResponse struct {
	Deleted     bool                `json:"deleted"`
	Transaction transactionResponse `json:"transaction"`
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := ParsePathID(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	tx, err := s.deps.Writer.Delete(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogMutation(ctx, log.OpDelete,
		tx.ID, string(tx.Type), tx.Amount.Cents, tx.Timestamp.Format(timeLayout))
	NewJSONResponse().Body(deleteResponse{Deleted: true, Transaction: toTransactionResponse(tx)}).Write(w)
}

type bulkResponse struct {
	Created int `json:"created"`
}

func (s *Server) handleBulkCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var reqs []transactionRequest
	if err := decodeJSON(w, r, maxBulkBodyBytes, &reqs); err != nil {
		writeError(ctx, w, err)
		return
	}

	inputs := make([]core.TransactionInput, len(reqs))
	for i, req := range reqs {
		inputs[i] = req.input()
	}

	created, err := s.deps.Bulk.Load(ctx, inputs)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	log.FromContext(ctx).InfoContext(ctx, "Bulk import committed",
		log.FieldOperation, log.OpBulk,
		log.FieldCount, created,
		"submitted", len(inputs))
	NewJSONResponse().Status(http.StatusCreated).Body(bulkResponse{Created: created}).Write(w)
}

type invalidResponse struct {
	Data  []core.InvalidTransaction `json:"data"`
	Count int                       `json:"count"`
}

func (s *Server) handleListInvalid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	markers, err := s.deps.Reader.ListInvalid(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if markers == nil {
		markers = []core.InvalidTransaction{}
	}
	NewJSONResponse().Body(invalidResponse{Data: markers, Count: len(markers)}).Write(w)
}
