package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"colisflow/auth"
	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/dispute"
	"colisflow/escrow"
	"colisflow/flow"
	"colisflow/ledger"
	"colisflow/rating"
	"colisflow/validation"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "duplicate_email"
	case errors.Is(err, delivery.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, delivery.ErrRoleNotPermitted):
		return http.StatusForbidden, "role_not_permitted"
	case errors.Is(err, delivery.ErrDisputeActive):
		return http.StatusConflict, "dispute_active"
	case errors.Is(err, dispute.ErrAlreadyResolved):
		return http.StatusConflict, "already_resolved"
	case errors.Is(err, delivery.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, delivery.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, escrow.ErrDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, delivery.ErrProvider):
		return http.StatusBadGateway, "provider_unavailable"
	case errors.Is(err, delivery.ErrLedgerInvariant):
		return http.StatusInternalServerError, "ledger_invariant"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type accountResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"createdAt"`
}

type listingResponse struct {
	ID              string `json:"id"`
	PublisherID     string `json:"publisherId"`
	PublisherRole   string `json:"publisherRole"`
	Origin          string `json:"origin"`
	Destination     string `json:"destination"`
	DepartureAt     string `json:"departureAt,omitempty"`
	WeightKg        string `json:"weightKg"`
	Price           string `json:"price"`
	InsuranceAmount string `json:"insuranceAmount"`
	Status          string `json:"status"`
	CollaborationID string `json:"collaborationId,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

func toListingResponse(l collab.Listing) listingResponse {
	return listingResponse{
		ID:              l.ID,
		PublisherID:     l.PublisherID,
		PublisherRole:   string(l.PublisherRole),
		Origin:          l.Origin,
		Destination:     l.Destination,
		DepartureAt:     formatTimePtr(l.DepartureAt),
		WeightKg:        l.WeightKg.String(),
		Price:           l.Price.StringFixed(2),
		InsuranceAmount: l.InsuranceAmount.StringFixed(2),
		Status:          string(l.Status),
		CollaborationID: l.CollaborationID,
		CreatedAt:       formatTime(l.CreatedAt),
	}
}

type collaborationResponse struct {
	ID            string   `json:"id"`
	ListingID     string   `json:"listingId"`
	SenderID      string   `json:"senderId"`
	CarrierID     string   `json:"carrierId"`
	ReceiverID    string   `json:"receiverId"`
	Status        string   `json:"status"`
	CurrentStage  string   `json:"currentStage"`
	ChatEnabled   bool     `json:"chatEnabled"`
	Documents     []string `json:"documents"`
	TransactionID string   `json:"transactionId,omitempty"`
	Price         string   `json:"price"`
	CreatedAt     string   `json:"createdAt"`
	ClosedAt      string   `json:"closedAt,omitempty"`
}

func toCollaborationResponse(c collab.Collaboration) collaborationResponse {
	docs := c.Documents
	if docs == nil {
		docs = []string{}
	}
	return collaborationResponse{
		ID:            c.ID,
		ListingID:     c.ListingID,
		SenderID:      c.Parties.SenderID,
		CarrierID:     c.Parties.CarrierID,
		ReceiverID:    c.Parties.ReceiverID,
		Status:        string(c.Status),
		CurrentStage:  c.CurrentStage.String(),
		ChatEnabled:   c.ChatEnabled,
		Documents:     docs,
		TransactionID: c.TransactionID,
		Price:         c.Price.StringFixed(2),
		CreatedAt:     formatTime(c.CreatedAt),
		ClosedAt:      formatTimePtr(c.ClosedAt),
	}
}

type stageResponse struct {
	Stage       string   `json:"stage"`
	Required    []string `json:"required,omitempty"`
	Validated   []string `json:"validated"`
	Pending     []string `json:"pending"`
	Current     bool     `json:"current,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`
}

func roleNames(roles []delivery.Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

type overviewResponse struct {
	Collaboration collaborationResponse `json:"collaboration"`
	Role          string                `json:"role"`
	Stages        []stageResponse       `json:"stages"`
}

func toOverviewResponse(o flow.Overview) overviewResponse {
	out := overviewResponse{
		Collaboration: toCollaborationResponse(o.Collaboration),
		Role:          string(o.Role),
		Stages:        make([]stageResponse, 0, len(o.Stages)),
	}
	for _, v := range o.Stages {
		out.Stages = append(out.Stages, stageResponse{
			Stage:       v.Stage.String(),
			Required:    roleNames(v.Required),
			Validated:   roleNames(v.Validated),
			Pending:     roleNames(v.Pending),
			Current:     v.Current,
			CompletedAt: formatTimePtr(v.CompletedAt),
		})
	}
	return out
}

func toStageResponse(p validation.Progress) stageResponse {
	return stageResponse{
		Stage:     p.Stage.String(),
		Validated: roleNames(p.Validated),
		Pending:   roleNames(p.Pending),
	}
}

type validateResponse struct {
	AlreadyValidated bool                  `json:"alreadyValidated"`
	Advanced         bool                  `json:"advanced"`
	Collaboration    collaborationResponse `json:"collaboration"`
}

type transactionResponse struct {
	ID               string `json:"id"`
	CollaborationID  string `json:"collaborationId"`
	Amount           string `json:"amount"`
	CommissionRate   string `json:"commissionRate"`
	CommissionAmount string `json:"commissionAmount"`
	CarrierAmount    string `json:"carrierAmount"`
	InsuranceAmount  string `json:"insuranceAmount"`
	Status           string `json:"status"`
	RefundedAmount   string `json:"refundedAmount"`
	ReleasedAmount   string `json:"releasedAmount"`
	CreatedAt        string `json:"createdAt"`
	PaidAt           string `json:"paidAt,omitempty"`
	ReleasedAt       string `json:"releasedAt,omitempty"`
	RefundedAt       string `json:"refundedAt,omitempty"`
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:               t.ID,
		CollaborationID:  t.CollaborationID,
		Amount:           t.Amount.StringFixed(2),
		CommissionRate:   t.CommissionRate.String(),
		CommissionAmount: t.CommissionAmount.StringFixed(2),
		CarrierAmount:    t.CarrierAmount.StringFixed(2),
		InsuranceAmount:  t.InsuranceAmount.StringFixed(2),
		Status:           string(t.Status),
		RefundedAmount:   t.RefundedAmount.StringFixed(2),
		ReleasedAmount:   t.ReleasedAmount.StringFixed(2),
		CreatedAt:        formatTime(t.CreatedAt),
		PaidAt:           formatTimePtr(t.PaidAt),
		ReleasedAt:       formatTimePtr(t.ReleasedAt),
		RefundedAt:       formatTimePtr(t.RefundedAt),
	}
}

type disputeResponse struct {
	ID              string   `json:"id"`
	CollaborationID string   `json:"collaborationId"`
	TransactionID   string   `json:"transactionId"`
	ComplainantID   string   `json:"complainantId"`
	ComplainantRole string   `json:"complainantRole"`
	RespondentRole  string   `json:"respondentRole"`
	Reason          string   `json:"reason"`
	RequestedAction string   `json:"requestedAction"`
	Description     string   `json:"description,omitempty"`
	EvidenceURIs    []string `json:"evidenceUris,omitempty"`
	Status          string   `json:"status"`
	Decision        string   `json:"decision,omitempty"`
	RefundAmount    string   `json:"refundAmount,omitempty"`
	ResolutionNote  string   `json:"resolutionNote,omitempty"`
	CreatedAt       string   `json:"createdAt"`
	ResolvedAt      string   `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	out := disputeResponse{
		ID:              d.ID,
		CollaborationID: d.CollaborationID,
		TransactionID:   d.TransactionID,
		ComplainantID:   d.ComplainantID,
		ComplainantRole: string(d.ComplainantRole),
		RespondentRole:  string(d.RespondentRole),
		Reason:          string(d.Reason),
		RequestedAction: string(d.RequestedAction),
		Description:     d.Description,
		EvidenceURIs:    d.EvidenceURIs,
		Status:          string(d.Status),
		Decision:        string(d.Decision),
		ResolutionNote:  d.ResolutionNote,
		CreatedAt:       formatTime(d.CreatedAt),
		ResolvedAt:      formatTimePtr(d.ResolvedAt),
	}
	if d.Decision == delivery.DecisionPartialRefund {
		out.RefundAmount = d.RefundAmount.StringFixed(2)
	}
	return out
}

type ratingResponse struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	RaterID       string         `json:"raterId"`
	RaterRole     string         `json:"raterRole"`
	RatedID       string         `json:"ratedId"`
	Score         int            `json:"score"`
	Criteria      map[string]int `json:"criteria,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	CreatedAt     string         `json:"createdAt"`
}

func toRatingResponse(r rating.Rating) ratingResponse {
	return ratingResponse{
		ID:            r.ID,
		TransactionID: r.TransactionID,
		RaterID:       r.RaterID,
		RaterRole:     string(r.RaterRole),
		RatedID:       r.RatedID,
		Score:         r.Score,
		Criteria:      r.Criteria,
		Comment:       r.Comment,
		CreatedAt:     formatTime(r.CreatedAt),
	}
}

type ratingSummaryResponse struct {
	ParticipantID string           `json:"participantId"`
	Count         int              `json:"count"`
	Average       string           `json:"average"`
	Recent        []ratingResponse `json:"recent"`
}
