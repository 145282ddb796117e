package server

import (
	"bountyline/internal/domain"
	"bountyline/internal/ledger"
	"bountyline/internal/outcome"
)

// Request payloads

type CreateInstallationRequest struct {
	ID            string  `json:"id"`
	Name          *string `json:"name,omitempty"`
	WalletAddress string  `json:"wallet_address"`
	EscrowAccount *string `json:"escrow_account,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string `json:"id,omitempty"`
	InstallationID string  `json:"installation_id"`
	Title          string  `json:"title"`
	Description    *string `json:"description,omitempty"`
	BountyAmount   string  `json:"bounty_amount"`
	Currency       *string `json:"currency,omitempty" enum:"XLM,USDC"`
	TimelineValue  *int    `json:"timeline_value,omitempty"`
	TimelineUnit   *string `json:"timeline_unit,omitempty" enum:"days,weeks"`
	IssueRef       *string `json:"issue_ref,omitempty"`
}

type AssignTaskRequest struct {
	ContributorID string `json:"contributor_id"`
}

type DisputeTaskRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	Kind   string  `json:"kind" enum:"pay_contributor,refund_creator,partial_payment"`
	Amount *string `json:"amount,omitempty"`
}

type AdjustBountyRequest struct {
	Amount string `json:"amount"`
}

// Response payloads

type InstallationResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status" enum:"active,archived"`
	WalletAddress string `json:"wallet_address"`
	EscrowAccount string `json:"escrow_account,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID             string  `json:"id"`
	InstallationID string  `json:"installation_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status" enum:"open,assigned,in_progress,marked_as_completed,completed,disputed,refunded,cancelled"`
	BountyAmount   string  `json:"bounty_amount"`
	Currency       string  `json:"currency" enum:"XLM,USDC"`
	TimelineValue  int     `json:"timeline_value,omitempty"`
	TimelineUnit   string  `json:"timeline_unit,omitempty"`
	CreatorID      string  `json:"creator_id"`
	ContributorID  *string `json:"contributor_id,omitempty"`
	AcceptedAt     *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	Settled        bool    `json:"settled"`
	DisputeReason  *string `json:"dispute_reason,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// TaskOutcomeResponse is the three-way envelope for lifecycle transitions.
// A partial success means the task state change is committed while a
// secondary side effect (usually the code-host comment) failed and can be
// retried independently.
type TaskOutcomeResponse struct {
	Status  string       `json:"status" enum:"success,partial_success"`
	Task    TaskResponse `json:"task"`
	Warning string       `json:"warning,omitempty"`
}

type InstallationOutcomeResponse struct {
	Status       string               `json:"status" enum:"success,partial_success"`
	Installation InstallationResponse `json:"installation"`
	Warning      string               `json:"warning,omitempty"`
}

func installationResponse(inst domain.Installation) InstallationResponse {
	return InstallationResponse{
		ID:            inst.ID,
		Name:          inst.Name,
		Status:        inst.Status,
		WalletAddress: inst.WalletAddress,
		EscrowAccount: inst.EscrowAccount,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		InstallationID: t.InstallationID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         t.Status,
		BountyAmount:   ledger.FromStroops(t.BountyStroops),
		Currency:       t.Currency,
		TimelineValue:  t.TimelineValue,
		TimelineUnit:   t.TimelineUnit,
		CreatorID:      t.CreatorID,
		ContributorID:  t.ContributorID,
		AcceptedAt:     t.AcceptedAt,
		CompletedAt:    t.CompletedAt,
		Settled:        t.Settled,
		DisputeReason:  t.DisputeReason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		res = append(res, taskResponse(t))
	}
	return res
}

func taskOutcome(o outcome.Outcome[domain.Task]) TaskOutcomeResponse {
	resp := TaskOutcomeResponse{Status: string(o.Status), Task: taskResponse(o.Value)}
	if o.Warning != nil {
		resp.Warning = o.Warning.Error()
	}
	return resp
}
