package models

import "slices"

type TransferStatus string

const (
	TransferStatusDraft     TransferStatus = "draft"
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusApproved  TransferStatus = "approved"
	TransferStatusInTransit TransferStatus = "in_transit"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusCancelled TransferStatus = "cancelled"
	TransferStatusFailed    TransferStatus = "failed"
)

var transferStatusTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusDraft:     {TransferStatusPending, TransferStatusCancelled},
	TransferStatusPending:   {TransferStatusApproved, TransferStatusCancelled, TransferStatusFailed},
	TransferStatusApproved:  {TransferStatusInTransit, TransferStatusCancelled, TransferStatusFailed},
	TransferStatusInTransit: {TransferStatusCompleted, TransferStatusFailed},
}

func (s TransferStatus) IsValid() bool {
	switch s {
	case TransferStatusDraft, TransferStatusPending, TransferStatusApproved, TransferStatusInTransit,
		TransferStatusCompleted, TransferStatusCancelled, TransferStatusFailed:
		return true
	}
	return false
}

func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	return slices.Contains(transferStatusTransitions[s], next)
}

func (s TransferStatus) IsTerminal() bool {
	return len(transferStatusTransitions[s]) == 0
}

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusRetrying   SyncStatus = "retrying"
	SyncStatusFailed     SyncStatus = "failed"
)

func (s SyncStatus) IsTerminal() bool {
	return s == SyncStatusCompleted || s == SyncStatusFailed
}

type SyncDirection string

const (
	SyncDirectionOutbound SyncDirection = "outbound"
	SyncDirectionInbound  SyncDirection = "inbound"
)

type SyncType string

const (
	SyncTypeOrder     SyncType = "order"
	SyncTypeStatus    SyncType = "status"
	SyncTypeInventory SyncType = "inventory"
)

type AdvisorOrigin string

const (
	AdvisorOriginAdvisor  AdvisorOrigin = "advisor"
	AdvisorOriginFallback AdvisorOrigin = "fallback"
	AdvisorOriginNone     AdvisorOrigin = "none"
)
