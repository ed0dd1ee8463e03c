package docstore

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func pdfConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// ValidatePDF checks that content parses as a PDF document.
func ValidatePDF(content []byte) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: empty export", ErrExportFormat)
	}
	if err := api.Validate(bytes.NewReader(content), pdfConfig()); err != nil {
		return fmt.Errorf("%w: %v", ErrExportFormat, err)
	}
	return nil
}

// PageCount returns the number of pages of a PDF.
func PageCount(content []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(content), pdfConfig())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExportFormat, err)
	}
	return n, nil
}
