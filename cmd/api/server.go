package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"colisflow/app"
	"colisflow/auth"
	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/dispute"
	"colisflow/escrow"
	"colisflow/ratelimit"
	"colisflow/rating"
	"colisflow/validation"
)

const maxBodyBytes = 1 << 20

// Server exposes the marketplace over HTTP.
type Server struct {
	app     *app.App
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewServer(a *app.App, limiter *ratelimit.Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{app: a, limiter: limiter, logger: logger.With(zap.String("component", "http"))}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.app.Metrics.Handler())

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.app.Tokens, s.app.Identity, s.logger))
		r.Use(ratelimit.Middleware(s.limiter, s.app.Metrics))

		r.Get("/api/listings", s.handleListListings)
		r.Post("/api/listings", s.handlePublishListing)
		r.Get("/api/listings/{id}", s.handleGetListing)
		r.Post("/api/listings/{id}/secure", s.handleSecureListing)

		r.Get("/api/collaborations", s.handleListCollaborations)
		r.Get("/api/collaborations/{id}", s.handleCollaboration)
		r.Post("/api/collaborations/{id}/documents", s.handleAddDocument)
		r.Get("/api/collaborations/{id}/stages/{stage}", s.handleStage)
		r.Post("/api/collaborations/{id}/stages/{stage}/validations", s.handleValidate)
		r.Post("/api/collaborations/{id}/payment", s.handleOpenPayment)
		r.Post("/api/collaborations/{id}/cancel", s.handleCancel)
		r.Get("/api/collaborations/{id}/disputes", s.handleCollaborationDisputes)

		r.Get("/api/transactions", s.handleListTransactions)
		r.Get("/api/transactions/{id}", s.handleGetTransaction)
		r.Post("/api/transactions/{id}/pay", s.handlePay)
		r.Post("/api/transactions/{id}/ratings", s.handleRate)

		r.Get("/api/participants/{id}/rating", s.handleRatingSummary)

		r.Post("/api/disputes", s.handleOpenDispute)
		r.Get("/api/disputes/{id}", s.handleGetDispute)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/api/disputes", s.handleActiveDisputes)
			r.Post("/api/disputes/{id}/review", s.handleReviewDispute)
			r.Post("/api/disputes/{id}/resolve", s.handleResolveDispute)
			r.Post("/api/participants/{id}/verification", s.handleVerify)
		})
	})
	return r
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			writeError(w, status, code, "internal error")
			return
		}
	}
	writeError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func actorOf(r *http.Request) auth.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseAmount(field, v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %q: %w", field, v, delivery.ErrValidation)
	}
	return d, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := s.app.Auth.Register(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{ID: account.ID, Email: account.Email, CreatedAt: formatTime(account.CreatedAt)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.app.Auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": res.Token, "participantId": res.Account.ID})
}

type publishListingRequest struct {
	Role            string     `json:"role"`
	Origin          string     `json:"origin"`
	Destination     string     `json:"destination"`
	DepartureAt     *time.Time `json:"departureAt"`
	WeightKg        string     `json:"weightKg"`
	Price           string     `json:"price"`
	InsuranceAmount string     `json:"insuranceAmount"`
}

func (s *Server) handlePublishListing(w http.ResponseWriter, r *http.Request) {
	var req publishListingRequest
	if !decode(w, r, &req) {
		return
	}
	role, err := delivery.ParseRole(req.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	params := collab.PublishParams{
		PublisherID:   actorOf(r).ID,
		PublisherRole: role,
		Origin:        req.Origin,
		Destination:   req.Destination,
		DepartureAt:   req.DepartureAt,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"weightKg", req.WeightKg, &params.WeightKg},
		{"price", req.Price, &params.Price},
		{"insuranceAmount", req.InsuranceAmount, &params.InsuranceAmount},
	} {
		if *f.dst, err = parseAmount(f.name, f.raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	l, err := s.app.Collabs.PublishListing(r.Context(), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingResponse(l))
}

func (s *Server) handleListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxPrice, err := parseAmount("maxPrice", q.Get("maxPrice"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	filters := collab.ListingFilters{
		Status:        collab.ListingStatus(q.Get("status")),
		PublisherRole: delivery.Role(q.Get("role")),
		PublisherID:   q.Get("publisherId"),
		Origin:        q.Get("origin"),
		Destination:   q.Get("destination"),
		MaxPrice:      maxPrice,
		Page:          page,
		PageSize:      limitParam(r, 20),
		SortKey:       q.Get("sort"),
		SortOrder:     q.Get("order"),
	}
	listings, total, err := s.app.Collabs.SearchListings(r.Context(), filters)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]listingResponse, 0, len(listings))
	for _, l := range listings {
		items = append(items, toListingResponse(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.app.Collabs.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListingResponse(l))
}

type secureListingRequest struct {
	ReceiverID string `json:"receiverId"`
}

func (s *Server) handleSecureListing(w http.ResponseWriter, r *http.Request) {
	var req secureListingRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.app.Collabs.SecureListing(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, req.ReceiverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCollaborationResponse(c))
}

func (s *Server) handleListCollaborations(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Collabs.ListForActor(r.Context(), actorOf(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]collaborationResponse, 0, len(list))
	for _, c := range list {
		items = append(items, toCollaborationResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	overview, err := s.app.Flow.Progress(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverviewResponse(overview))
}

type documentRequest struct {
	URI string `json:"uri"`
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.app.Collabs.AddDocument(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, req.URI)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollaborationResponse(c))
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	stage, err := delivery.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.app.Flow.StageProgress(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, stage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStageResponse(p))
}

type validateRequest struct {
	EvidenceURIs []string `json:"evidenceUris"`
	Comment      string   `json:"comment"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	stage, err := delivery.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req validateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.app.Flow.Validate(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, stage, validation.Evidence{
		URIs:    req.EvidenceURIs,
		Comment: req.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyValidated {
		status = http.StatusOK
	}
	writeJSON(w, status, validateResponse{
		AlreadyValidated: res.AlreadyValidated,
		Advanced:         res.Advanced,
		Collaboration:    toCollaborationResponse(res.Collaboration),
	})
}

func (s *Server) handleOpenPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := s.app.Flow.OpenPayment(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.app.Flow.Cancel(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollaborationResponse(c))
}

func (s *Server) handleCollaborationDisputes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, err := s.app.Collabs.GetForActor(r.Context(), id, actorOf(r).ID); err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.app.Disputes.ListForCollaboration(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeDisputes(w, list)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Ledger.ListByParticipant(r.Context(), actorOf(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]transactionResponse, 0, len(list))
	for _, t := range list {
		items = append(items, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	tx, err := s.app.Ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, ok := tx.Parties.RoleOf(actor.ID); !ok && !actor.Admin {
		s.fail(w, r, fmt.Errorf("transaction %w", delivery.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

type payRequest struct {
	Method escrow.PaymentMethod `json:"method"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := s.app.Flow.Pay(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID, req.Method)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

type rateRequest struct {
	RatedID  string         `json:"ratedId"`
	Score    int            `json:"score"`
	Criteria map[string]int `json:"criteria"`
	Comment  string         `json:"comment"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.app.Ratings.Submit(r.Context(), rating.SubmitParams{
		TransactionID: chi.URLParam(r, "id"),
		RaterID:       actorOf(r).ID,
		RatedID:       req.RatedID,
		Score:         req.Score,
		Criteria:      req.Criteria,
		Comment:       req.Comment,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyRated {
		status = http.StatusOK
	}
	writeJSON(w, status, toRatingResponse(res.Rating))
}

func (s *Server) handleRatingSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, err := s.app.Ratings.Summary(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recent, err := s.app.Ratings.ListForParticipant(r.Context(), id, limitParam(r, 10))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := ratingSummaryResponse{
		ParticipantID: id,
		Count:         sum.Count,
		Average:       sum.Average.StringFixed(2),
		Recent:        make([]ratingResponse, 0, len(recent)),
	}
	for _, rt := range recent {
		out.Recent = append(out.Recent, toRatingResponse(rt))
	}
	writeJSON(w, http.StatusOK, out)
}

type openDisputeRequest struct {
	CollaborationID string   `json:"collaborationId"`
	TransactionID   string   `json:"transactionId"`
	Reason          string   `json:"reason"`
	RequestedAction string   `json:"requestedAction"`
	Description     string   `json:"description"`
	EvidenceURIs    []string `json:"evidenceUris"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := delivery.ParseDecision(req.RequestedAction)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.app.Disputes.Open(r.Context(), dispute.OpenParams{
		CollaborationID: req.CollaborationID,
		TransactionID:   req.TransactionID,
		ComplainantID:   actorOf(r).ID,
		Reason:          dispute.Reason(req.Reason),
		RequestedAction: action,
		Description:     req.Description,
		EvidenceURIs:    req.EvidenceURIs,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var (
		d   dispute.Record
		err error
	)
	if actor.Admin {
		d, err = s.app.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
	} else {
		d, err = s.app.Disputes.GetForActor(r.Context(), chi.URLParam(r, "id"), actor.ID)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleActiveDisputes(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Disputes.ListActive(r.Context(), limitParam(r, 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeDisputes(w, list)
}

func (s *Server) writeDisputes(w http.ResponseWriter, list []dispute.Record) {
	items := make([]disputeResponse, 0, len(list))
	for _, d := range list {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReviewDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.app.Disputes.Review(r.Context(), chi.URLParam(r, "id"), actorOf(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type resolveRequest struct {
	Decision     string `json:"decision"`
	RefundAmount string `json:"refundAmount"`
	Note         string `json:"note"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := delivery.ParseDecision(req.Decision)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	amount, err := parseAmount("refundAmount", req.RefundAmount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.app.Disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:    chi.URLParam(r, "id"),
		AdminID:      actorOf(r).ID,
		Decision:     decision,
		RefundAmount: amount,
		Note:         req.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

type verifyRequest struct {
	Verified bool `json:"verified"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.app.Identity.SetVerified(r.Context(), chi.URLParam(r, "id"), req.Verified)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": p.ID, "verified": p.Verified})
}
