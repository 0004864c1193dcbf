package certificate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"certificate-pipeline/pkg/errutil"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrNotPDF = errors.New("converter output is not a PDF document")

// Converter turns a complete HTML document into PDF bytes.
type Converter interface {
	Name() string
	Convert(ctx context.Context, document string) ([]byte, error)
}

// Chain tries each converter in order, each under its own timeout. At most
// maxConcurrent conversions run at once per process.
type Chain struct {
	converters []Converter
	timeout    time.Duration
	sem        *semaphore.Weighted
}

func NewChain(timeout time.Duration, maxConcurrent int64, converters ...Converter) *Chain {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Chain{
		converters: converters,
		timeout:    timeout,
		sem:        semaphore.NewWeighted(maxConcurrent),
	}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Convert(ctx context.Context, document string) ([]byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, errutil.Conversion("acquire converter", err)
	}
	defer c.sem.Release(1)

	var errs []error
	for _, conv := range c.converters {
		pdf, err := c.run(ctx, conv, document)
		if err == nil {
			return pdf, nil
		}

		zap.L().Warn("[Certificate] converter failed", zap.String("converter", conv.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", conv.Name(), err))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no converters configured"))
	}
	return nil, errutil.Conversion("convert", errors.Join(errs...))
}

func (c *Chain) run(ctx context.Context, conv Converter, document string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	pdf, err := conv.Convert(ctx, document)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	return pdf, nil
}
