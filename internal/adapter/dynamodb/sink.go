// Package dynamodb stores readings as DynamoDB items keyed by
// (patientId, seqNumber).
package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/couchcryptid/pulse-receiver/internal/domain"
)

// Name is the backend name reported in logs and metrics.
const Name = "dynamodb"

// PutItemAPI is the subset of the DynamoDB client the sink uses.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Sink writes each reading with a single PutItem. PutItem replaces any item
// with the same primary key, which makes a repeated write an upsert.
// It implements pipeline.Sink.
type Sink struct {
	client PutItemAPI
	table  string
}

// NewSink wraps an existing client.
func NewSink(client PutItemAPI, table string) *Sink {
	return &Sink{client: client, table: table}
}

// New loads the default AWS credential chain for region and returns a sink
// for table. A non-empty endpoint overrides the service endpoint, which is
// how a local DynamoDB is reached.
func New(ctx context.Context, region, endpoint, table string) (*Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSink(client, table), nil
}

func (s *Sink) Name() string { return Name }

// Put stores r as an item with four numeric attributes.
func (s *Sink) Put(ctx context.Context, r domain.Reading) error {
	item, err := marshalItem(r)
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: err}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return &domain.PersistError{Backend: Name, Key: r.Key(), Err: fmt.Errorf("put item into %s: %w", s.table, err)}
	}
	return nil
}

func marshalItem(r domain.Reading) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return nil, fmt.Errorf("marshal reading: %w", err)
	}
	return item, nil
}
