package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/internal/storage"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Relay handlers
// ========================================

// RelayInfoResult is the response for relay_info.
type RelayInfoResult struct {
	Version     string `json:"version"`
	Network     string `json:"network"`
	SourceChain string `json:"source_chain"`
	DestChain   string `json:"dest_chain"`
	DataDir     string `json:"data_dir"`
	Uptime      string `json:"uptime"`
}

func (s *Server) relayInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return &RelayInfoResult{
		Version:     Version,
		Network:     string(s.cfg.NetworkType),
		SourceChain: s.cfg.Bitcoin.Name,
		DestChain:   s.cfg.Ethereum.Name,
		DataDir:     s.cfg.Storage.DataDir,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
	}, nil
}

// RelayStatusResult is the response for relay_status.
type RelayStatusResult struct {
	Running            bool   `json:"running"`
	ActiveTransfers    int    `json:"active_transfers"`
	CompletedTransfers int    `json:"completed_transfers"`
	JournaledEvents    int    `json:"journaled_events"`
	InFlightOneToTwo   int    `json:"in_flight_1_to_2"`
	InFlightTwoToOne   int    `json:"in_flight_2_to_1"`
	WatchedOutputs     int    `json:"watched_outputs"`
	Uptime             string `json:"uptime"`
	WSClients          int    `json:"ws_clients"`
}

func (s *Server) relayStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	active, completed := 0, 0
	if s.store != nil {
		a, c, err := s.store.TransferCount()
		if err == nil {
			active, completed = a, c
		}
	}

	events := 0
	if s.store != nil {
		count, err := s.store.EventCount()
		if err == nil {
			events = count
		}
	}

	wsClients := 0
	if s.wsHub != nil {
		wsClients = s.wsHub.ClientCount()
	}

	inFlight12, inFlight21, watched := 0, 0, 0
	if s.stats != nil {
		inFlight12 = len(s.stats.InFlight(relay.DirectionOneToTwo))
		inFlight21 = len(s.stats.InFlight(relay.DirectionTwoToOne))
		watched = s.stats.WatchedOutputs()
	}

	return &RelayStatusResult{
		Running:            true,
		ActiveTransfers:    active,
		CompletedTransfers: completed,
		JournaledEvents:    events,
		InFlightOneToTwo:   inFlight12,
		InFlightTwoToOne:   inFlight21,
		WatchedOutputs:     watched,
		Uptime:             time.Since(s.startTime).Round(time.Second).String(),
		WSClients:          wsClients,
	}, nil
}

// ========================================
// Transfer handlers
// ========================================

// TransfersListParams is the parameters for transfers_list.
type TransfersListParams struct {
	Limit            int  `json:"limit"`
	IncludeCompleted bool `json:"include_completed"`
}

// TransfersListResult is the response for transfers_list.
type TransfersListResult struct {
	Transfers []*storage.TransferRecord `json:"transfers"`
	Count     int                       `json:"count"`
}

func (s *Server) transfersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TransfersListParams
	if params != nil {
		json.Unmarshal(params, &p)
	}

	if p.Limit == 0 {
		p.Limit = 100
	}

	records, err := s.store.ListTransfers(p.Limit, p.IncludeCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	return &TransfersListResult{
		Transfers: records,
		Count:     len(records),
	}, nil
}

func (s *Server) transfersActive(ctx context.Context, params json.RawMessage) (interface{}, error) {
	records, err := s.store.GetActiveTransfers()
	if err != nil {
		return nil, fmt.Errorf("failed to list active transfers: %w", err)
	}

	return &TransfersListResult{
		Transfers: records,
		Count:     len(records),
	}, nil
}

// InFlightSwap is one live tracker registry entry, rendered for the API.
// Unlike the journal rows, these reflect in-memory state only.
type InFlightSwap struct {
	TransferID string    `json:"transfer_id"`
	Direction  string    `json:"direction"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InFlightResult is the response for transfers_inFlight.
type InFlightResult struct {
	Swaps []InFlightSwap `json:"swaps"`
	Count int            `json:"count"`
}

func (s *Server) transfersInFlight(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &InFlightResult{Swaps: []InFlightSwap{}}
	if s.stats == nil {
		return result, nil
	}

	for _, dir := range []relay.Direction{relay.DirectionOneToTwo, relay.DirectionTwoToOne} {
		for _, swap := range s.stats.InFlight(dir) {
			amount := "0"
			if swap.Details.Amount != nil {
				amount = swap.Details.Amount.String()
			}
			result.Swaps = append(result.Swaps, InFlightSwap{
				TransferID: swap.Details.TransferID.Hex(),
				Direction:  dir.String(),
				Status:     string(swap.Status),
				Amount:     amount,
				UpdatedAt:  swap.UpdatedAt,
			})
		}
	}
	result.Count = len(result.Swaps)
	return result, nil
}

// TransfersGetParams is the parameters for transfers_get.
type TransfersGetParams struct {
	TransferID string `json:"transfer_id"`
	Direction  string `json:"direction"`
}

func (s *Server) transfersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TransfersGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.TransferID == "" {
		return nil, fmt.Errorf("transfer_id is required")
	}
	if p.Direction == "" {
		return nil, fmt.Errorf("direction is required")
	}

	record, err := s.store.GetTransfer(p.TransferID, p.Direction)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}

	return record, nil
}

// ========================================
// Event journal handlers
// ========================================

// EventsParams is the parameters for events_recent and events_bySeverity.
type EventsParams struct {
	Limit    int    `json:"limit"`
	Severity string `json:"severity"`
}

// EventsResult is the response for the event journal queries.
type EventsResult struct {
	Events []*storage.EventRecord `json:"events"`
	Count  int                    `json:"count"`
}

func (s *Server) eventsRecent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsParams
	if params != nil {
		json.Unmarshal(params, &p)
	}

	if p.Limit == 0 {
		p.Limit = 100
	}

	records, err := s.store.RecentEvents(p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &EventsResult{
		Events: records,
		Count:  len(records),
	}, nil
}

func (s *Server) eventsBySeverity(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	switch relay.Severity(p.Severity) {
	case relay.SeverityInfo, relay.SeverityWarning, relay.SeverityCritical:
	default:
		return nil, fmt.Errorf("invalid severity: %q", p.Severity)
	}

	if p.Limit == 0 {
		p.Limit = 100
	}

	records, err := s.store.EventsBySeverity(relay.Severity(p.Severity), p.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &EventsResult{
		Events: records,
		Count:  len(records),
	}, nil
}

// EventsForTransferParams is the parameters for events_forTransfer.
type EventsForTransferParams struct {
	TransferID string `json:"transfer_id"`
}

func (s *Server) eventsForTransfer(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p EventsForTransferParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	if p.TransferID == "" {
		return nil, fmt.Errorf("transfer_id is required")
	}

	records, err := s.store.EventsForTransfer(p.TransferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &EventsResult{
		Events: records,
		Count:  len(records),
	}, nil
}
