package nameserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/n6g7/nomtail/pkg/log"
	"github.com/uintptr/udyndns/internal/config"
)

type Route53NS struct {
	logger          *log.Logger
	hostedZone      *string
	ttl             *int64
	region          string
	credentialsFile string
	accessKeyID     string
	secretAccessKey string

	hostedZoneId *string
	client       *route53.Client
}

func NewRoute53NS(logger *log.Logger, conf config.Route53Conf) *Route53NS {
	return &Route53NS{
		logger:          logger.With("component", "route53"),
		hostedZone:      &conf.HostedZone,
		ttl:             &conf.TTL,
		region:          conf.AWSRegion,
		credentialsFile: conf.CredentialsFile,
		accessKeyID:     conf.AccessKeyID,
		secretAccessKey: conf.SecretAccessKey,
	}
}

func (r *Route53NS) loadOptions() []func(*awsConfig.LoadOptions) error {
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(r.region)}
	if r.accessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(r.accessKeyID, r.secretAccessKey, ""),
		))
	} else if r.credentialsFile != "" {
		opts = append(opts, awsConfig.WithSharedCredentialsFiles([]string{r.credentialsFile}))
	}
	return opts
}

func (r *Route53NS) Init(ctx context.Context) error {
	cfg, err := awsConfig.LoadDefaultConfig(ctx, r.loadOptions()...)
	if err != nil {
		return &AuthError{Provider: "route53", Err: fmt.Errorf("error loading AWS config: %w", err)}
	}

	r.client = route53.NewFromConfig(cfg)

	// Check hosted zone exists
	output, err := r.client.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName: r.hostedZone,
	})
	if err != nil {
		return convertAWSError(fmt.Errorf("error listing hosted zones: %w", err))
	}
	// Results are sorted from the given name onwards, keep exact matches only.
	var zones []types.HostedZone
	for _, zone := range output.HostedZones {
		if aws.ToString(zone.Name) == CanonicalName(*r.hostedZone) {
			zones = append(zones, zone)
		}
	}
	if len(zones) > 1 {
		return fmt.Errorf("found multiple (%d) hosted zones matching DNS name \"%s\", try a different name?", len(zones), *r.hostedZone)
	}
	if len(zones) == 0 {
		return fmt.Errorf("could not find a hosted zone with DNS name \"%s\"", *r.hostedZone)
	}
	r.hostedZoneId = zones[0].Id
	r.logger.Debug("found hosted zone", "hosted_zone", *r.hostedZone, "id", *r.hostedZoneId)

	return nil
}

func (r *Route53NS) UpdateRecord(ctx context.Context, name string, recordType RecordType, address string) error {
	if r.client == nil {
		return fmt.Errorf("route53 nameserver used before Init")
	}

	_, err := r.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: r.hostedZoneId,
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("udyndns"),
			Changes: []types.Change{
				{
					Action: types.ChangeActionUpsert,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name: &name,
						Type: types.RRType(recordType),
						TTL:  r.ttl,
						ResourceRecords: []types.ResourceRecord{
							{
								Value: &address,
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return convertAWSError(fmt.Errorf("error while upserting record \"%s\": %w", name, err))
	}
	return nil
}

// convertAWSError keeps the HTTP status of failed API calls.
func convertAWSError(err error) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Errorf("%w (%s)", &ProviderError{Status: respErr.HTTPStatusCode(), Body: respErr.Err.Error()}, err)
	}
	return err
}
