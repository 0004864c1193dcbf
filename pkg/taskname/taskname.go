package taskname

const (
	// Certificate tasks
	CertificateProcess          = "certificate:process"
	CertificateRetry            = "certificate:retry"
	CertificateRetryFailedBatch = "certificate:retry_failed_batch"

	// Enrollment tasks
	EnrollmentCheck = "enrollment:check"
)
