package certificate

import (
	"context"
	_ "embed"
	"os"
	"strings"
	"time"

	"certificate-pipeline/pkg/config"
	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/pkg/sequence"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed templates/default.html
var defaultTemplate string

type Artifact struct {
	Ref               string
	CertificateNumber string
	Size              int
}

type Generator struct {
	renderer        *Renderer
	converter       Converter
	store           ArtifactStore
	numbers         sequence.Generator
	defaultTemplate string
	storageTimeout  time.Duration
}

type GeneratorParams struct {
	fx.In
	Config    *config.Config
	Renderer  *Renderer
	Converter Converter
	Store     ArtifactStore
	Numbers   sequence.Generator `optional:"true"`
}

func NewGenerator(p GeneratorParams) (*Generator, error) {
	tmpl := defaultTemplate
	if path := p.Config.Render.DefaultTemplatePath; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		tmpl = string(raw)
	}

	return &Generator{
		renderer:        p.Renderer,
		converter:       p.Converter,
		store:           p.Store,
		numbers:         p.Numbers,
		defaultTemplate: tmpl,
		storageTimeout:  p.Config.Render.StorageTimeout,
	}, nil
}

// Render produces the job's certificate and uploads it. An empty tmpl uses the
// built-in template.
func (g *Generator) Render(ctx context.Context, job *ledger.CertificateJob, tmpl string, data *enrollment.CertificateData) (*Artifact, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = g.defaultTemplate
	}
	if data == nil {
		data = &enrollment.CertificateData{CourseID: job.CourseID, LearnerEmail: job.LearnerEmail}
	}

	number := job.CertificateNumber
	if number == "" {
		number = g.nextNumber(ctx, job)
	}

	organization := data.OrganizationName
	if organization == "" {
		organization = data.OrganizationWebsite
	}

	document, err := g.renderer.Render(tmpl, Variables{
		LearnerName:       data.LearnerName,
		CourseName:        data.CourseName,
		CompletionDate:    job.CreatedAt.UTC().Format("2006-01-02"),
		Organization:      organization,
		LearnerEmail:      job.LearnerEmail,
		CertificateNumber: number,
	})
	if err != nil {
		return nil, err
	}

	pdf, err := g.converter.Convert(ctx, document)
	if err != nil {
		return nil, err
	}

	storeCtx := ctx
	if g.storageTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, g.storageTimeout)
		defer cancel()
	}

	ref, err := g.store.Put(storeCtx, ArtifactKey(job.JobID), pdf, "application/pdf")
	if err != nil {
		return nil, errutil.Storage("upload artifact", err)
	}

	zap.L().Info("[Certificate] certificate stored",
		zap.String("job_id", job.JobID),
		zap.String("artifact_ref", ref),
		zap.Int("size", len(pdf)),
	)

	return &Artifact{Ref: ref, CertificateNumber: number, Size: len(pdf)}, nil
}

// Load fetches a stored artifact.
func (g *Generator) Load(ctx context.Context, ref string) ([]byte, error) {
	data, err := g.store.Get(ctx, ref)
	if err != nil {
		return nil, errutil.Storage("load artifact", err)
	}
	return data, nil
}

func (g *Generator) nextNumber(ctx context.Context, job *ledger.CertificateJob) string {
	if g.numbers != nil {
		n, err := g.numbers.NextCertificateNumber(ctx)
		if err == nil {
			return n
		}
		zap.L().Warn("[Certificate] sequence unavailable, using job id", zap.String("job_id", job.JobID), zap.Error(err))
	}
	id := job.JobID
	if len(id) > 12 {
		id = id[:12]
	}
	return "CERT-" + strings.ToUpper(id)
}
