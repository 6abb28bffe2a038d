// Package inspection runs the recycler side of a pickup: receiving the
// device, recording a condition report and settling on a payout.
//
// A record moves along two independent axes. The inspection axis is
// Pending → UnderInspection → Completed. The settlement axis is
// Pending → Approved → Paid, or Pending → Rejected, and a rejected
// settlement may be proposed again.
package inspection

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/auth"
	"github.com/mbd888/ecollect/internal/ledger"
	"github.com/mbd888/ecollect/internal/payments"
	"github.com/mbd888/ecollect/internal/pickup"
)

// Status is the inspection axis.
type Status string

const (
	StatusPending         Status = "Pending"
	StatusUnderInspection Status = "UnderInspection"
	StatusCompleted       Status = "Completed"
)

// SettlementStatus is the payment axis.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "Pending"
	SettlementApproved SettlementStatus = "Approved"
	SettlementPaid     SettlementStatus = "Paid"
	SettlementRejected SettlementStatus = "Rejected"
)

// ParseStatus rejects unknown inspection statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.TrimSpace(s)); st {
	case StatusPending, StatusUnderInspection, StatusCompleted:
		return st, nil
	}
	return "", apperr.Validation("inspectionStatus", "unknown inspection status "+s)
}

// ParseSettlementStatus rejects unknown settlement statuses.
func ParseSettlementStatus(s string) (SettlementStatus, error) {
	switch st := SettlementStatus(strings.TrimSpace(s)); st {
	case SettlementPending, SettlementApproved, SettlementPaid, SettlementRejected:
		return st, nil
	}
	return "", apperr.Validation("paymentStatus", "unknown settlement status "+s)
}

// Report is the recycler's condition report.
type Report struct {
	PhysicalDamagePct        float64         `json:"physicalDamagePct"`
	WorkingComponents        []string        `json:"workingComponents"`
	ReusableSemiconductorPct float64         `json:"reusableSemiconductorPct"`
	ScrapValueEstimate       decimal.Decimal `json:"scrapValueEstimate"`
	Media                    []pickup.Media  `json:"media"`
}

// Record is the inspection and settlement state of one pickup.
type Record struct {
	ID               string           `json:"id"`
	PickupID         string           `json:"pickupId"`
	RecyclerID       string           `json:"recyclerId"`
	RequesterID      string           `json:"requesterId"`
	Report           Report           `json:"report"`
	InspectionStatus Status           `json:"inspectionStatus"`
	ProposedPayment  decimal.Decimal  `json:"proposedPayment"`
	FinalPayment     decimal.Decimal  `json:"finalPayment"`
	HasProposal      bool             `json:"hasProposal"`
	PaymentStatus    SettlementStatus `json:"paymentStatus"`
	PaymentID        string           `json:"paymentId,omitempty"`
	InspectionNotes  string           `json:"inspectionNotes"`
	Version          int64            `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Report.WorkingComponents = append([]string(nil), r.Report.WorkingComponents...)
	cp.Report.Media = append([]pickup.Media(nil), r.Report.Media...)
	return &cp
}

// canManage reports whether actor may change the record.
func (r *Record) canManage(actor auth.Actor) bool {
	return actor.IsOperator() || (actor.Role == auth.RoleRecycler && actor.ID == r.RecyclerID)
}

// canView reports whether actor may read the record.
func (r *Record) canView(actor auth.Actor) bool {
	return r.canManage(actor) || (actor.Role == auth.RoleRequester && actor.ID == r.RequesterID)
}

// Store persists inspection records.
type Store interface {
	// Create fails with a conflict if the pickup already has a record.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByPickup(ctx context.Context, pickupID string) (*Record, error)
	// Update writes r if the stored version is still r.Version, then
	// increments r.Version.
	Update(ctx context.Context, r *Record) error
	ListByRecycler(ctx context.Context, recyclerID string, limit int) ([]*Record, error)
	ListByPaymentStatus(ctx context.Context, status SettlementStatus, limit int) ([]*Record, error)
}

// Pickups is the slice of the pickup service the workflow drives.
type Pickups interface {
	Get(ctx context.Context, actor auth.Actor, id string) (*pickup.Pickup, error)
	Advance(ctx context.Context, actor auth.Actor, id string, next pickup.Status) (*pickup.Pickup, error)
}

// Payments creates and looks up payment orders.
type Payments interface {
	CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (*payments.Payment, error)
	Get(ctx context.Context, id string) (*payments.Payment, error)
}

// AuditLog records inspection artifacts on the hash chain.
type AuditLog interface {
	Append(ctx context.Context, subjectID, contentRef string) (*ledger.Entry, error)
}

func notFound(id string) error {
	return apperr.NotFound("inspection", id)
}
