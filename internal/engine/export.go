package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/domain"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

type ExportInput struct {
	GroupID        string
	RequestedBy    string
	Format         string
	VisibilityMode string
	FiltersJSON    string
}

// RequestExport queues an export. Processing happens out of band; the
// returned request is in the pending state.
func (e *Engine) RequestExport(ctx context.Context, in ExportInput) (domain.ExportRequest, error) {
	member, err := e.Repo.GetMember(ctx, in.GroupID, in.RequestedBy)
	if err != nil {
		return domain.ExportRequest{}, err
	}
	if !member.Privileged() {
		return domain.ExportRequest{}, ForbiddenError{Msg: "only the owner or dungeon master may export"}
	}
	switch in.Format {
	case "csv", "json":
	default:
		return domain.ExportRequest{}, validationf("format must be csv or json")
	}
	switch in.VisibilityMode {
	case "counts", "details":
	default:
		return domain.ExportRequest{}, validationf("visibility_mode must be counts or details")
	}
	req := domain.ExportRequest{
		ID:             ulid.Make().String(),
		GroupID:        in.GroupID,
		RequestedBy:    in.RequestedBy,
		Format:         in.Format,
		VisibilityMode: in.VisibilityMode,
		FiltersJSON:    in.FiltersJSON,
		Status:         "pending",
		CreatedAt:      e.nowRFC3339(),
	}
	if err := e.Repo.InsertExport(ctx, req); err != nil {
		return domain.ExportRequest{}, err
	}
	e.enqueueExport(req.ID)
	return req, nil
}

// StartExportWorker launches the single background processor. The queue
// carries ids only; each attempt re-reads the request so a stale queue entry
// can never clobber newer state.
func (e *Engine) StartExportWorker(ctx context.Context) {
	e.exportOnce.Do(func() {
		e.exportQueue = make(chan string, 64)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.exportQueue:
					if err := e.ProcessExport(ctx, id); err != nil {
						e.Logger.Error("export processing failed", "export", id, "error", err)
					}
				}
			}
		}()
	})
}

func (e *Engine) enqueueExport(id string) {
	if e.exportQueue == nil {
		return
	}
	select {
	case e.exportQueue <- id:
	default:
		e.Logger.Warn("export queue full, will be picked up by the sweep", "export", id)
	}
}

// EnqueuePending requeues pending exports, catching requests that were
// created while no worker was running or dropped on queue overflow.
func (e *Engine) EnqueuePending(ctx context.Context, groupID string) error {
	exports, err := e.Repo.ListExports(ctx, groupID, 0)
	if err != nil {
		return err
	}
	for _, req := range exports {
		if req.Status == "pending" {
			e.enqueueExport(req.ID)
		}
	}
	return nil
}

// ProcessExport runs one attempt. Requests already completed or failed are
// left untouched; reprocessing a finished export is a no-op, and a failed
// one stays failed until explicitly retried.
func (e *Engine) ProcessExport(ctx context.Context, id string) error {
	req, err := e.Repo.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if req.Status != "pending" {
		e.Logger.Debug("export not pending, skipping", "export", id, "status", req.Status)
		return nil
	}
	path, err := e.buildExport(ctx, req)
	if err != nil {
		reason := truncateReason(err.Error(), e.Config.Exports.MaxFailureReasonBytes)
		if markErr := e.Repo.MarkExportFailed(ctx, id, reason); markErr != nil {
			e.Logger.Error("mark export failed", "export", id, "error", markErr)
		}
		e.notifyExportRequester(ctx, req, "export.failed", map[string]any{
			"export_id": id,
			"reason":    reason,
		})
		return err
	}
	completedAt := e.nowRFC3339()
	if err := e.Repo.MarkExportCompleted(ctx, id, path, completedAt); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		if err := e.Events.Append(ctx, tx, "export.completed", req.GroupID, "export", id, req.RequestedBy, events.EventPayload{
			"format":         req.Format,
			"file_reference": path,
		}); err == nil {
			err = tx.Commit()
		}
		if err != nil {
			tx.Rollback()
			e.Logger.Error("record export event", "export", id, "error", err)
		}
	}
	e.notifyExportRequester(ctx, req, "export.completed", map[string]any{
		"export_id":      id,
		"file_reference": path,
	})
	e.deliverWebhooks(ctx, req.GroupID, "export.completed", map[string]any{
		"export_id":      id,
		"group_id":       req.GroupID,
		"format":         req.Format,
		"file_reference": path,
		"generated_at":   completedAt,
	})
	return nil
}

// notifyExportRequester tells the requester how their export ended, on both
// the completed and failed paths.
func (e *Engine) notifyExportRequester(ctx context.Context, req domain.ExportRequest, kind string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.Logger.Error("marshal export notification", "export", req.ID, "error", err)
		return
	}
	n := domain.Notification{
		ID:          uuid.NewString(),
		UserID:      req.RequestedBy,
		GroupID:     req.GroupID,
		Channel:     "in_app",
		Kind:        kind,
		PayloadJSON: string(body),
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Dispatcher.Dispatch(ctx, n); err != nil {
		e.Logger.Error("dispatch export notification", "export", req.ID, "user", req.RequestedBy, "error", err)
	}
}

// RetryExport returns a failed export to pending and requeues it.
func (e *Engine) RetryExport(ctx context.Context, groupID, id, actorID string) error {
	member, err := e.Repo.GetMember(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !member.Privileged() {
		return ForbiddenError{Msg: "only the owner or dungeon master may retry exports"}
	}
	req, err := e.Repo.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if req.GroupID != groupID {
		return repo.ErrNotFound
	}
	if err := e.Repo.ResetExportPending(ctx, id); err != nil {
		if err == repo.ErrNotFound {
			return validationf("export %s is not in the failed state", id)
		}
		return err
	}
	e.enqueueExport(id)
	return nil
}

type exportDataset struct {
	GroupID     string         `json:"group_id"`
	GroupName   string         `json:"group_name"`
	GeneratedAt string         `json:"generated_at"`
	Visibility  string         `json:"visibility_mode"`
	Entries     []SharedEntry  `json:"entries"`
	Timeline    []exportChange `json:"timeline,omitempty"`
}

type exportChange struct {
	RecordedAt string `json:"recorded_at"`
	Summary    string `json:"summary"`
}

// buildExport assembles the redacted dataset and writes the file. The same
// consent intersection that guards share links guards exports; an export is
// a share that happens to be a file.
func (e *Engine) buildExport(ctx context.Context, req domain.ExportRequest) (string, error) {
	group, err := e.Repo.GetGroup(ctx, req.GroupID)
	if err != nil {
		return "", err
	}
	summary, err := e.Project(ctx, req.GroupID)
	if err != nil {
		return "", err
	}
	consents, err := e.Repo.CurrentConsents(ctx, req.GroupID)
	if err != nil {
		return "", err
	}
	snapshot := map[string]snapshotConsent{}
	for userID, c := range consents {
		snapshot[userID] = snapshotConsent{Action: c.Action, Visibility: c.Visibility}
	}

	dataset := exportDataset{
		GroupID:     group.ID,
		GroupName:   group.Name,
		GeneratedAt: summary.GeneratedAt,
		Visibility:  req.VisibilityMode,
	}
	detailed := map[string]bool{}
	for _, entry := range summary.Entries {
		details := effectiveVisibility(req.VisibilityMode, snapshot, entry.OwnerID) == "details"
		detailed[entry.TokenID] = details
		se := SharedEntry{
			TokenName:      entry.TokenName,
			ConditionCount: len(entry.Conditions),
			TierCounts:     map[string]int{},
		}
		for _, c := range entry.Conditions {
			se.TierCounts[c.UrgencyTier]++
		}
		if details {
			se.Conditions = entry.Conditions
		}
		dataset.Entries = append(dataset.Entries, se)
	}
	rows, err := e.Repo.ListAdjustments(ctx, repo.AdjustmentFilters{GroupID: req.GroupID})
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		change := exportChange{RecordedAt: row.RecordedAt}
		if detailed[row.TokenID] {
			change.Summary = row.Summary
		} else {
			change.Summary = "a condition timer changed"
		}
		dataset.Timeline = append(dataset.Timeline, change)
	}

	if err := os.MkdirAll(e.Config.Exports.Dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.Config.Exports.Dir, req.ID+"."+req.Format)
	switch req.Format {
	case "json":
		err = writeExportJSON(path, dataset)
	case "csv":
		err = writeExportCSV(path, dataset)
	default:
		err = fmt.Errorf("unsupported export format %q", req.Format)
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

func writeExportJSON(path string, dataset exportDataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dataset); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeExportCSV(path string, dataset exportDataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	header := []string{"token_name", "condition_count", "critical", "warning", "normal", "condition_key", "rounds_remaining", "urgency_tier"}
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, entry := range dataset.Entries {
		base := []string{
			entry.TokenName,
			strconv.Itoa(entry.ConditionCount),
			strconv.Itoa(entry.TierCounts[domain.TierCritical]),
			strconv.Itoa(entry.TierCounts[domain.TierWarning]),
			strconv.Itoa(entry.TierCounts[domain.TierNormal]),
		}
		if len(entry.Conditions) == 0 {
			if err := w.Write(append(base, "", "", "")); err != nil {
				f.Close()
				return err
			}
			continue
		}
		for _, c := range entry.Conditions {
			row := append(append([]string{}, base...), c.Key, strconv.Itoa(c.RoundsRemaining), c.UrgencyTier)
			if err := w.Write(row); err != nil {
				f.Close()
				return err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func truncateReason(reason string, max int) string {
	if max > 0 && len(reason) > max {
		return reason[:max]
	}
	return reason
}
