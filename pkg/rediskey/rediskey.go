package rediskey

import "fmt"

const (
	SequencePrefix    = "seq"
	CertificatePrefix = "certificate"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildCertificateSequenceKey returns "seq:certificate:{yymmdd}"
func BuildCertificateSequenceKey(day string) string {
	return NamespaceKey(SequencePrefix, NamespaceKey(CertificatePrefix, day))
}
