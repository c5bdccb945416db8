package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

func TestResolveFlatBlob(t *testing.T) {
	tgt, err := Resolve("DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=c2VjcmV0PT0=;EndpointSuffix=core.windows.net;Container=files;Root=/tenant/a/")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tgt.Kind != driver.KindFlatBlob || tgt.Credentials != CredentialSharedKey {
		t.Errorf("kind/credentials = %s/%s", tgt.Kind, tgt.Credentials)
	}
	if tgt.AccountKey != "c2VjcmV0PT0=" {
		t.Errorf("AccountKey = %q; values may contain '='", tgt.AccountKey)
	}
	if tgt.BlobEndpoint != "https://acct.blob.core.windows.net" {
		t.Errorf("BlobEndpoint = %q", tgt.BlobEndpoint)
	}
	if tgt.Root != "tenant/a" || tgt.Container != "files" {
		t.Errorf("Root/Container = %q/%q", tgt.Root, tgt.Container)
	}
	if s := tgt.String(); strings.Contains(s, "c2VjcmV0") {
		t.Errorf("String() leaks the account key: %s", s)
	}
}

func TestResolveManagedIdentity(t *testing.T) {
	tgt, err := Resolve("blobendpoint=https://acct.blob.core.windows.net/;container=site")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tgt.Credentials != CredentialManagedIdentity {
		t.Errorf("Credentials = %s", tgt.Credentials)
	}
	if tgt.BlobEndpoint != "https://acct.blob.core.windows.net" {
		t.Errorf("BlobEndpoint = %q", tgt.BlobEndpoint)
	}
}

func TestResolveS3(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		check      func(t *testing.T, tgt Target)
	}{
		{
			name:       "defaults",
			descriptor: "Bucket=media",
			check: func(t *testing.T, tgt Target) {
				if tgt.Region != "us-east-1" || tgt.Credentials != CredentialDefaultChain || tgt.ForcePathStyle {
					t.Errorf("target = %+v", tgt)
				}
			},
		},
		{
			name:       "minio",
			descriptor: "ServiceUrl=http://localhost:9000/;Bucket=media;AccessKey=minio;SecretKey=minio123;Region=eu-west-1",
			check: func(t *testing.T, tgt Target) {
				if tgt.Endpoint != "http://localhost:9000" || !tgt.ForcePathStyle || tgt.Credentials != CredentialStaticKeys {
					t.Errorf("target = %+v", tgt)
				}
				if tgt.Region != "eu-west-1" {
					t.Errorf("Region = %q", tgt.Region)
				}
				if strings.Contains(tgt.String(), "minio123") {
					t.Errorf("String() leaks the secret: %s", tgt.String())
				}
			},
		},
		{
			name:       "aliases and explicit path style",
			descriptor: "bucket=b; keyid=AKIA; key=s3cr3t; endpoint=https://s3.example.com; forcepathstyle=false",
			check: func(t *testing.T, tgt Target) {
				if tgt.AccessKeyID != "AKIA" || tgt.SecretAccessKey != "s3cr3t" || tgt.ForcePathStyle {
					t.Errorf("target = %+v", tgt)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt, err := Resolve(tt.descriptor)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if tgt.Kind != driver.KindS3Compatible {
				t.Fatalf("Kind = %s", tgt.Kind)
			}
			tt.check(t, tgt)
		})
	}
}

func TestResolveRejects(t *testing.T) {
	for _, d := range []string{
		"",
		"Foo=bar",
		"AccountName=a;Container=c;Bucket=b",
		"AccountName=a",
		"BlobEndpoint=https://x;AccountKey=k;Container=c",
		"Bucket=b;AccessKey=only",
		"Bucket=b;ForcePathStyle=maybe",
		"Bucket=b;Root=../escape",
		"Bucket=b;garbage",
		"InMemory=yes please",
		"InMemory=false",
		"InMemory=true;Bucket=b",
		"InMemory=true;AccountName=a;Container=c",
	} {
		if _, err := Resolve(d); !errors.Is(err, fserr.ErrConfiguration) {
			t.Errorf("Resolve(%q) error = %v, want ErrConfiguration", d, err)
		}
	}
}

func TestResolveInMemory(t *testing.T) {
	tgt, err := Resolve("InMemory=true;Root=dev")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tgt.Kind != driver.KindMemory || tgt.Credentials != CredentialNone || tgt.Container != "local" || tgt.Root != "dev" {
		t.Errorf("target = %+v", tgt)
	}

	s, err := Open(context.Background(), "inmemory=1;container=scratch", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Target().Container != "scratch" {
		t.Errorf("container = %q", s.Target().Container)
	}
	if _, err := s.Write(context.Background(), "a.txt", []byte("x"), ""); err != nil {
		t.Errorf("Write on in-memory store: %v", err)
	}
}
