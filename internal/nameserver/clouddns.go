package nameserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/n6g7/nomtail/pkg/log"
	"github.com/uintptr/udyndns/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// CloudDNSNS updates record sets in a Google Cloud DNS managed zone.
type CloudDNSNS struct {
	logger          *log.Logger
	project         string
	zone            string
	credentialsFile string
	ttl             int64
	endpoint        string

	client *JsonClient
}

func NewCloudDNSNS(logger *log.Logger, conf config.CloudDNSConf) *CloudDNSNS {
	return &CloudDNSNS{
		logger:          logger.With("component", "clouddns"),
		project:         conf.Project,
		zone:            conf.Zone,
		credentialsFile: conf.CredentialsFile,
		ttl:             conf.TTL,
		endpoint:        conf.Endpoint,
	}
}

// Init loads the service account credentials from the configured file.
func (c *CloudDNSNS) Init(ctx context.Context) error {
	data, err := os.ReadFile(c.credentialsFile)
	if err != nil {
		return &AuthError{Provider: "clouddns", Err: err}
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return &AuthError{Provider: "clouddns", Err: fmt.Errorf("invalid credentials in %s: %w", c.credentialsFile, err)}
	}
	c.client = &JsonClient{Client: *oauth2.NewClient(ctx, creds.TokenSource)}
	c.logger.Debug("loaded credentials", "file", c.credentialsFile, "project", c.project)
	return nil
}

type rrsetPatch struct {
	Rrdatas []string `json:"rrdatas"`
}

type rrset struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	TTL     int64    `json:"ttl"`
	Rrdatas []string `json:"rrdatas"`
}

func (c *CloudDNSNS) rrsetsURL() string {
	return fmt.Sprintf("%s/%s/managedZones/%s/rrsets", c.endpoint, url.PathEscape(c.project), url.PathEscape(c.zone))
}

func (c *CloudDNSNS) UpdateRecord(ctx context.Context, name string, recordType RecordType, address string) error {
	if c.client == nil {
		return fmt.Errorf("clouddns nameserver used before Init")
	}

	recordURL := fmt.Sprintf("%s/%s/%s", c.rrsetsURL(), url.PathEscape(name), recordType)
	err := c.client.PatchJSON(ctx, recordURL, &rrsetPatch{Rrdatas: []string{address}}, nil)

	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Status == http.StatusNotFound {
		c.logger.Info("record set doesn't exist, creating it", "name", name, "type", recordType)
		err = c.client.PostJSON(ctx, c.rrsetsURL(), &rrset{
			Name:    name,
			Type:    recordType,
			TTL:     c.ttl,
			Rrdatas: []string{address},
		}, nil)
	}
	if err != nil {
		return c.convertError(recordURL, err)
	}
	return nil
}

func (c *CloudDNSNS) convertError(recordURL string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &AuthError{Provider: "clouddns", Err: err}
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		c.logger.Error("record update refused", "url", recordURL, "status", providerErr.Status)
		return providerErr
	}
	return fmt.Errorf("error while updating record set: %w", err)
}
