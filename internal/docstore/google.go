package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/slides/v1"
)

const (
	pdfMimeType    = "application/pdf"
	maxExportBytes = 50 << 20 // 50 MB
)

// GoogleStore implements Store on Google Drive (copy, export, delete) and
// Google Slides (text replacement).
type GoogleStore struct {
	drive  *drive.Service
	slides *slides.Service
}

// NewGoogleStore authenticates with a service account key.
func NewGoogleStore(ctx context.Context, credentialsJSON []byte) (*GoogleStore, error) {
	if len(credentialsJSON) == 0 {
		return nil, errors.New("service account credentials required")
	}
	creds := option.WithCredentialsJSON(credentialsJSON)
	return NewGoogleStoreWithOptions(ctx,
		[]option.ClientOption{creds, option.WithScopes(drive.DriveScope)},
		[]option.ClientOption{creds, option.WithScopes(slides.PresentationsScope)},
	)
}

// NewGoogleStoreWithOptions builds the store from explicit client options,
// e.g. a custom endpoint.
func NewGoogleStoreWithOptions(ctx context.Context, driveOpts, slidesOpts []option.ClientOption) (*GoogleStore, error) {
	driveSvc, err := drive.NewService(ctx, driveOpts...)
	if err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	slidesSvc, err := slides.NewService(ctx, slidesOpts...)
	if err != nil {
		return nil, fmt.Errorf("slides service: %w", err)
	}
	return &GoogleStore{drive: driveSvc, slides: slidesSvc}, nil
}

func (g *GoogleStore) Copy(ctx context.Context, src SourceID, name string) (string, error) {
	file, err := g.drive.Files.Copy(string(src), &drive.File{Name: name}).
		SupportsAllDrives(true).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(err)
	}
	return file.Id, nil
}

func (g *GoogleStore) ReplaceText(ctx context.Context, id, placeholder, replacement string) error {
	req := &slides.BatchUpdatePresentationRequest{
		Requests: []*slides.Request{{
			ReplaceAllText: &slides.ReplaceAllTextRequest{
				ContainsText: &slides.SubstringMatchCriteria{
					Text:      placeholder,
					MatchCase: true,
				},
				ReplaceText: replacement,
			},
		}},
	}
	if _, err := g.slides.Presentations.BatchUpdate(id, req).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

func (g *GoogleStore) Export(ctx context.Context, id string) ([]byte, error) {
	resp, err := g.drive.Files.Export(id, pdfMimeType).Context(ctx).Download()
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes+1))
	if err != nil {
		return nil, classify(err)
	}
	if len(content) > maxExportBytes {
		return nil, fmt.Errorf("%w: export larger than %d bytes", ErrExportFormat, maxExportBytes)
	}
	return content, nil
}

func (g *GoogleStore) Delete(ctx context.Context, id string) error {
	if err := g.drive.Files.Delete(id).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return classify(err)
	}
	return nil
}

var quotaReasons = map[string]bool{
	"rateLimitExceeded":        true,
	"userRateLimitExceeded":    true,
	"quotaExceeded":            true,
	"storageQuotaExceeded":     true,
	"dailyLimitExceeded":       true,
	"sharingRateLimitExceeded": true,
}

// classify maps a Google API error onto the store's sentinel errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", ErrQuota, err)
		case gerr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case gerr.Code == http.StatusForbidden:
			for _, item := range gerr.Errors {
				if quotaReasons[item.Reason] {
					return fmt.Errorf("%w: %w", ErrQuota, err)
				}
			}
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	// Transport errors, timeouts and anything unrecognized.
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
