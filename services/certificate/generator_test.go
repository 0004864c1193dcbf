package certificate

import (
	"context"
	"errors"
	"testing"
	"time"

	"certificate-pipeline/pkg/errutil"
	"certificate-pipeline/services/enrollment"
	"certificate-pipeline/services/ledger"
	"certificate-pipeline/services/testutil"

	"github.com/stretchr/testify/require"
)

type fixedNumbers struct {
	next string
	err  error
}

func (f fixedNumbers) NextCertificateNumber(context.Context) (string, error) {
	return f.next, f.err
}

type capturingConverter struct {
	document string
}

func (c *capturingConverter) Name() string { return "capture" }

func (c *capturingConverter) Convert(_ context.Context, document string) ([]byte, error) {
	c.document = document
	return samplePDF, nil
}

func newTestGenerator(conv Converter, store ArtifactStore, numbers fixedNumbers) *Generator {
	return &Generator{
		renderer:        NewRenderer(),
		converter:       conv,
		store:           store,
		numbers:         numbers,
		defaultTemplate: defaultTemplate,
		storageTimeout:  time.Second,
	}
}

func sampleJob() *ledger.CertificateJob {
	return &ledger.CertificateJob{
		JobID:        "job123",
		CourseID:     "c1",
		LearnerEmail: "ana@acme.test",
		State:        ledger.StateRendering,
		CreatedAt:    time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
	}
}

func TestGeneratorRenderStoresUnderStableKey(t *testing.T) {
	store := testutil.NewMemoryStore()
	conv := &capturingConverter{}
	g := newTestGenerator(conv, store, fixedNumbers{next: "CERT-261016-0001AB"})

	data := &enrollment.CertificateData{LearnerName: "Ana", CourseName: "Safety 101", OrganizationWebsite: "acme.test"}
	artifact, err := g.Render(context.Background(), sampleJob(), "", data)
	require.NoError(t, err)
	require.Equal(t, "certificates/job123.pdf", artifact.Ref)
	require.Equal(t, "CERT-261016-0001AB", artifact.CertificateNumber)
	require.Contains(t, conv.document, "2026-10-16")
	require.Contains(t, conv.document, "acme.test")

	// a re-render overwrites the same object and keeps the number
	job := sampleJob()
	job.CertificateNumber = artifact.CertificateNumber
	again, err := g.Render(context.Background(), job, "<p>{{ certificate_number }}</p>", data)
	require.NoError(t, err)
	require.Equal(t, artifact.Ref, again.Ref)
	require.Contains(t, conv.document, "CERT-261016-0001AB")
	require.Equal(t, 2, store.Puts())

	stored, err := g.Load(context.Background(), artifact.Ref)
	require.NoError(t, err)
	require.Equal(t, samplePDF, stored)
}

func TestGeneratorFallsBackToJobNumber(t *testing.T) {
	g := newTestGenerator(&capturingConverter{}, testutil.NewMemoryStore(), fixedNumbers{err: errors.New("redis down")})

	artifact, err := g.Render(context.Background(), sampleJob(), "", nil)
	require.NoError(t, err)
	require.Equal(t, "CERT-JOB123", artifact.CertificateNumber)
}

func TestGeneratorFailureKinds(t *testing.T) {
	store := testutil.NewMemoryStore()
	g := newTestGenerator(&capturingConverter{}, store, fixedNumbers{next: "N1"})

	_, err := g.Render(context.Background(), sampleJob(), "<p>{{ broken</p>", nil)
	require.True(t, errutil.IsKind(err, errutil.KindTemplate))

	failing := newTestGenerator(NewChain(time.Second, 1, &fakeConverter{name: "x", err: errors.New("down")}), store, fixedNumbers{next: "N1"})
	_, err = failing.Render(context.Background(), sampleJob(), "", nil)
	require.True(t, errutil.IsKind(err, errutil.KindConversion))

	store.FailPut = errors.New("bucket unavailable")
	_, err = g.Render(context.Background(), sampleJob(), "", nil)
	require.True(t, errutil.IsKind(err, errutil.KindStorage))

	_, err = g.Load(context.Background(), "certificates/missing.pdf")
	require.True(t, errutil.IsKind(err, errutil.KindStorage))
}
