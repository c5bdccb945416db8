// Package storage is the bleepfs storage context: it resolves a connection
// descriptor to a backend, opens the matching driver, and layers folder
// emulation, chunked uploads and a metadata cache on top of it.
package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/paths"
)

// CredentialMode says how the target authenticates.
type CredentialMode string

const (
	// CredentialSharedKey is an Azure storage account key.
	CredentialSharedKey CredentialMode = "shared-key"
	// CredentialManagedIdentity is the Azure default credential chain.
	CredentialManagedIdentity CredentialMode = "managed-identity"
	// CredentialStaticKeys is an S3 access key pair.
	CredentialStaticKeys CredentialMode = "static-keys"
	// CredentialDefaultChain is the AWS default credential chain.
	CredentialDefaultChain CredentialMode = "default-chain"
	// CredentialNone is used by the in-process memory backend.
	CredentialNone CredentialMode = "none"
)

const (
	defaultRegion         = "us-east-1"
	defaultEndpointSuffix = "core.windows.net"
	defaultProtocol       = "https"
)

// Target identifies one backend container or bucket. It is built once from a
// connection descriptor and never modified.
type Target struct {
	Kind        driver.Kind
	Credentials CredentialMode
	// Container is the Azure container or S3 bucket name.
	Container string
	// Root is the normalized key prefix all paths live under.
	Root string

	// Flat-blob fields.
	AccountName  string
	AccountKey   string
	BlobEndpoint string

	// S3-compatible fields.
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// String describes the target without secrets.
func (t Target) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s container=%s credentials=%s", t.Kind, t.Container, t.Credentials)
	switch t.Kind {
	case driver.KindFlatBlob:
		fmt.Fprintf(&b, " endpoint=%s", t.BlobEndpoint)
	case driver.KindS3Compatible:
		fmt.Fprintf(&b, " region=%s", t.Region)
		if t.Endpoint != "" {
			fmt.Fprintf(&b, " endpoint=%s path_style=%t", t.Endpoint, t.ForcePathStyle)
		}
	}
	if t.Root != "" {
		fmt.Fprintf(&b, " root=%s", t.Root)
	}
	return b.String()
}

// descriptorFields parses "Key=Value;Key=Value" into a map with lower-cased
// keys. Values may themselves contain '='.
func descriptorFields(descriptor string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(descriptor, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fserr.ErrConfiguration.WithMessage("connection descriptor segment %q is not Key=Value", redactSegment(part))
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			return nil, fserr.ErrConfiguration.WithMessage("connection descriptor has an empty key")
		}
		fields[k] = strings.TrimSpace(v)
	}
	return fields, nil
}

// redactSegment keeps the start of a malformed segment for diagnostics
// without echoing what might be a secret.
func redactSegment(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[:4] + "..."
}

// first returns the first non-empty value among the given keys.
func first(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// Resolve parses a connection descriptor into exactly one Target.
//
// AccountName or BlobEndpoint select the flat-blob backend; Bucket selects
// the S3-compatible backend. InMemory=true selects the in-process backend
// for local runs. A descriptor naming more than one backend, or none, is a
// configuration error.
func Resolve(descriptor string) (Target, error) {
	fields, err := descriptorFields(descriptor)
	if err != nil {
		return Target{}, err
	}

	flat := first(fields, "accountname", "blobendpoint") != ""
	s3 := fields["bucket"] != ""
	mem := false
	if v := fields["inmemory"]; v != "" {
		if mem, err = strconv.ParseBool(v); err != nil {
			return Target{}, fserr.ErrConfiguration.WithMessage("InMemory %q is not a boolean", v)
		}
	}
	switch {
	case flat && s3:
		return Target{}, fserr.ErrConfiguration.WithMessage("connection descriptor names both a blob account and an S3 bucket")
	case mem && (flat || s3):
		return Target{}, fserr.ErrConfiguration.WithMessage("InMemory cannot be combined with a blob account or an S3 bucket")
	case !flat && !s3 && !mem:
		return Target{}, fserr.ErrConfiguration.WithMessage("connection descriptor names neither a blob account nor an S3 bucket")
	}

	root, err := paths.Normalize(fields["root"])
	if err != nil {
		return Target{}, fserr.ErrConfiguration.WithMessage("connection descriptor root is not a valid path").WithCause(err)
	}

	var t Target
	switch {
	case flat:
		t, err = resolveFlatBlob(fields)
	case s3:
		t, err = resolveS3(fields)
	default:
		t = Target{Kind: driver.KindMemory, Credentials: CredentialNone, Container: first(fields, "container")}
		if t.Container == "" {
			t.Container = "local"
		}
	}
	if err != nil {
		return Target{}, err
	}
	t.Root = root
	return t, nil
}

func resolveFlatBlob(fields map[string]string) (Target, error) {
	t := Target{
		Kind:         driver.KindFlatBlob,
		Container:    first(fields, "container", "containername"),
		AccountName:  fields["accountname"],
		AccountKey:   fields["accountkey"],
		BlobEndpoint: strings.TrimSuffix(fields["blobendpoint"], "/"),
	}
	if t.Container == "" {
		return Target{}, fserr.ErrConfiguration.WithMessage("flat-blob descriptor requires Container")
	}
	if t.AccountKey != "" {
		if t.AccountName == "" {
			return Target{}, fserr.ErrConfiguration.WithMessage("AccountKey requires AccountName")
		}
		t.Credentials = CredentialSharedKey
	} else {
		t.Credentials = CredentialManagedIdentity
	}
	if t.BlobEndpoint == "" {
		proto := first(fields, "defaultendpointsprotocol")
		if proto == "" {
			proto = defaultProtocol
		}
		suffix := first(fields, "endpointsuffix")
		if suffix == "" {
			suffix = defaultEndpointSuffix
		}
		t.BlobEndpoint = fmt.Sprintf("%s://%s.blob.%s", proto, t.AccountName, suffix)
	}
	return t, nil
}

func resolveS3(fields map[string]string) (Target, error) {
	t := Target{
		Kind:            driver.KindS3Compatible,
		Container:       fields["bucket"],
		Region:          first(fields, "region"),
		Endpoint:        strings.TrimSuffix(first(fields, "serviceurl", "endpoint"), "/"),
		AccessKeyID:     first(fields, "accesskey", "accesskeyid", "keyid"),
		SecretAccessKey: first(fields, "secretkey", "secretaccesskey", "key"),
	}
	if t.Region == "" {
		t.Region = defaultRegion
	}
	switch {
	case t.AccessKeyID != "" && t.SecretAccessKey != "":
		t.Credentials = CredentialStaticKeys
	case t.AccessKeyID == "" && t.SecretAccessKey == "":
		t.Credentials = CredentialDefaultChain
	default:
		return Target{}, fserr.ErrConfiguration.WithMessage("AccessKey and SecretKey must be given together")
	}

	t.ForcePathStyle = t.Endpoint != ""
	if v, ok := fields["forcepathstyle"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Target{}, fserr.ErrConfiguration.WithMessage("ForcePathStyle %q is not a boolean", v)
		}
		t.ForcePathStyle = b
	}
	return t, nil
}
