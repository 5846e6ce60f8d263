// Package report snapshots paid scans and publishes the rendered report artifact.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// Store is the persistence the generator needs.
type Store interface {
	GetReport(ctx context.Context, scanID string) (audit.Report, error)
	UpsertReport(ctx context.Context, report audit.Report) error
	UpdateScan(ctx context.Context, scanID string, fn func(*audit.Scan) error) (audit.Scan, error)
}

// Generator builds one report per scan. Regenerating an unchanged scan reuses the stored
// snapshot and artifact.
type Generator struct {
	store    Store
	blobs    audit.BlobStore
	hasher   audit.Hasher
	renderer Renderer
	clock    audit.Clock
	logger   *zap.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(store Store, blobs audit.BlobStore, hasher audit.Hasher, renderer Renderer, clock audit.Clock, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		store:    store,
		blobs:    blobs,
		hasher:   hasher,
		renderer: renderer,
		clock:    clock,
		logger:   logger.Named("report"),
	}
}

// ContentHash digests the canonical JSON encoding of findings. A nil list hashes like an empty one.
func ContentHash(h audit.Hasher, fs []audit.Finding) (string, error) {
	if fs == nil {
		fs = []audit.Finding{}
	}
	data, err := json.Marshal(fs)
	if err != nil {
		return "", fmt.Errorf("marshal findings: %w", err)
	}
	return h.Hash(data)
}

// Generate snapshots a finished paid scan, uploads its rendered document and records the
// artifact URI on both the snapshot and the scan.
func (g *Generator) Generate(ctx context.Context, scan audit.Scan) (audit.Report, error) {
	if !scan.Payment.IsPaid {
		return audit.Report{}, fmt.Errorf("report for unpaid scan %s: %w", scan.ID, audit.ErrAccessDenied)
	}
	if scan.Status != audit.ScanStatusSucceeded {
		return audit.Report{}, fmt.Errorf("scan %s is %s: %w", scan.ID, scan.Status, audit.ErrScanNotReady)
	}
	hash, err := ContentHash(g.hasher, scan.Findings)
	if err != nil {
		return audit.Report{}, err
	}
	logger := g.logger.With(zap.String("scan_id", scan.ID))

	existing, err := g.store.GetReport(ctx, scan.ID)
	switch {
	case err == nil && existing.ContentHash == hash && existing.ArtifactURI != "" && existing.Tier == scan.Payment.Tier:
		logger.Debug("report unchanged, reusing artifact", zap.String("uri", existing.ArtifactURI))
		return existing, nil
	case err != nil && !errors.Is(err, audit.ErrNotFound):
		return audit.Report{}, fmt.Errorf("load report snapshot: %w", err)
	}

	var totals audit.Totals
	if scan.Totals != nil {
		totals = *scan.Totals
	}
	rep := audit.Report{
		ScanID:      scan.ID,
		Tier:        scan.Payment.Tier,
		Plan:        scan.EffectivePlan(),
		Totals:      totals,
		Findings:    append([]audit.Finding{}, scan.Findings...),
		ContentHash: hash,
		GeneratedAt: g.clock.Now().UTC(),
	}

	var buf bytes.Buffer
	err = g.renderer.Render(&buf, Document{
		URL:         scan.URL,
		Tier:        rep.Tier,
		Plan:        rep.Plan,
		Totals:      rep.Totals,
		Findings:    rep.Findings,
		Pages:       scan.Pages,
		Diff:        scan.DiffSummary,
		ContentHash: hash,
		GeneratedAt: rep.GeneratedAt,
	})
	if err != nil {
		return audit.Report{}, err
	}
	path := fmt.Sprintf("%s/report-%s.%s", scan.ID, shortHash(hash), g.renderer.Extension())
	uri, err := g.blobs.PutObject(ctx, path, g.renderer.ContentType(), &buf)
	if err != nil {
		return audit.Report{}, fmt.Errorf("upload report: %w", err)
	}
	rep.ArtifactURI = uri

	if err := g.store.UpsertReport(ctx, rep); err != nil {
		return audit.Report{}, fmt.Errorf("store report snapshot: %w", err)
	}
	if _, err := g.store.UpdateScan(ctx, scan.ID, func(s *audit.Scan) error {
		s.ReportURL = uri
		return nil
	}); err != nil {
		return audit.Report{}, fmt.Errorf("link report to scan: %w", err)
	}
	logger.Info("report generated", zap.String("uri", uri), zap.Int("findings", len(rep.Findings)))
	return rep, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
