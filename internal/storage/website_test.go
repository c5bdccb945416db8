package storage

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bleepstore/bleepfs/internal/driver"
	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// websiteDriver is a memory driver that records static website updates.
type websiteDriver struct {
	*driver.MemoryDriver

	mu   sync.Mutex
	last *driver.WebsiteConfig
}

func (w *websiteDriver) SetStaticWebsite(ctx context.Context, cfg driver.WebsiteConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &cfg
	return nil
}

func TestSetStaticWebsite(t *testing.T) {
	tests := []struct {
		name    string
		kind    driver.Kind
		creds   CredentialMode
		website bool
		wantErr error
	}{
		{"flat-blob with key", driver.KindFlatBlob, CredentialSharedKey, true, nil},
		{"flat-blob with managed identity", driver.KindFlatBlob, CredentialManagedIdentity, true, fserr.ErrInsufficientCredential},
		{"s3", driver.KindS3Compatible, CredentialStaticKeys, true, fserr.ErrUnsupportedOperation},
		{"driver without website support", driver.KindMemory, CredentialNone, false, fserr.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := driver.NewMemoryDriver(nil, 0)
			wd := &websiteDriver{MemoryDriver: mem}
			var drv driver.Driver = mem
			if tt.website {
				drv = wd
			}
			s, err := New(Target{Kind: tt.kind, Credentials: tt.creds, Container: "site"}, drv, Options{
				Website: driver.WebsiteConfig{IndexDocument: "home.html"},
			})
			if err != nil {
				t.Fatal(err)
			}

			err = s.SetStaticWebsite(context.Background(), true)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetStaticWebsite = %v, want %v", err, tt.wantErr)
				}
				if wd.last != nil {
					t.Error("backend was called despite the error")
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStaticWebsite: %v", err)
			}
			want := driver.WebsiteConfig{Enabled: true, IndexDocument: "home.html", ErrorDocument404Path: "404.html"}
			if wd.last == nil || *wd.last != want {
				t.Errorf("website config = %+v, want %+v", wd.last, want)
			}
		})
	}
}
