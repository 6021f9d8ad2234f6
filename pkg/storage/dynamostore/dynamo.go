// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dynamostore implements the storage adapter on Amazon DynamoDB.
//
// Hierarchical keys are split across the table's composite primary key: the
// first two segments form the partition key, the remainder the sort key.
// Prefix scans therefore need at least two segments: a two-segment prefix
// queries the partition alone, longer prefixes add a begins_with condition
// on the sort key. One-segment prefixes cannot be expressed as a DynamoDB
// query and are rejected.
//
// Expiry relies on the table's native TTL attribute plus a read-side filter,
// since DynamoDB deletes expired items with a delay.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stacklok/idkit/pkg/storage"
)

// ErrPrefixTooShort is returned by Scan for prefixes that cannot be mapped
// onto the partition/sort key split.
var ErrPrefixTooShort = errors.New("dynamodb scans require a prefix of at least two key segments")

// emptySortKey is stored when a key has no segments past the partition key;
// DynamoDB forbids empty strings in key attributes.
const emptySortKey = "\x1f"

// Config holds DynamoDB adapter configuration.
type Config struct {
	// Table is the DynamoDB table name. The table must use a composite
	// primary key ("pk" string partition key, "sk" string sort key) and
	// should enable TTL on the "expiry" attribute.
	Table string
}

// Client is the subset of the DynamoDB API the adapter uses. Satisfied by
// *dynamodb.Client; fakes can implement it in tests.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Adapter implements storage.Adapter on DynamoDB.
type Adapter struct {
	client Client
	cfg    Config
}

// item is the stored row shape.
type item struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	Value  string `dynamodbav:"value"`
	Expiry int64  `dynamodbav:"expiry,omitempty"`
}

// New creates an adapter using the default AWS configuration chain
// (environment, shared config, instance role).
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(dynamodb.NewFromConfig(awsCfg), cfg)
}

// NewWithClient creates an adapter with a pre-configured DynamoDB client.
func NewWithClient(client Client, cfg Config) (*Adapter, error) {
	if cfg.Table == "" {
		return nil, errors.New("table name is required")
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

// Close is a no-op; the underlying HTTP client is shared.
func (*Adapter) Close() error {
	return nil
}

// splitKey maps key segments onto the pk/sk pair.
func splitKey(key []string) (pk, sk string) {
	joined := storage.JoinKey(key)
	segments := storage.SplitKey(joined)
	if len(segments) <= 2 {
		return joined, emptySortKey
	}
	return storage.JoinKey(segments[:2]), storage.JoinKey(segments[2:])
}

// joinKey reassembles the stored pk/sk pair into key segments.
func joinKey(pk, sk string) []string {
	if sk == emptySortKey {
		return storage.SplitKey(pk)
	}
	return append(storage.SplitKey(pk), storage.SplitKey(sk)...)
}

func (a *Adapter) keyAttrs(key []string) map[string]types.AttributeValue {
	pk, sk := splitKey(key)
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func expired(expiry int64) bool {
	return expiry > 0 && expiry <= time.Now().Unix()
}

// Get returns the value stored under key. Items past their TTL that
// DynamoDB has not yet deleted read as absent.
func (a *Adapter) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.cfg.Table),
		Key:            a.keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	if expired(it.Expiry) {
		return nil, false, nil
	}
	return []byte(it.Value), true, nil
}

// Set stores value under key.
func (a *Adapter) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	pk, sk := splitKey(key)
	it := item{PK: pk, SK: sk, Value: string(value)}
	if ttl > 0 {
		it.Expiry = time.Now().Add(ttl).Unix()
	}

	attrs, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if _, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.cfg.Table),
		Item:      attrs,
	}); err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}
	return nil
}

// Remove deletes the entry under key.
func (a *Adapter) Remove(ctx context.Context, key []string) error {
	if _, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.cfg.Table),
		Key:       a.keyAttrs(key),
	}); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Scan yields live entries under prefix. The prefix must carry at least the
// two partition-key segments; see the package documentation for the mapping.
func (a *Adapter) Scan(ctx context.Context, prefix []string) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		joined := storage.JoinKey(prefix)
		segments := storage.SplitKey(joined)
		if len(segments) < 2 {
			yield(storage.Entry{}, ErrPrefixTooShort)
			return
		}

		in := &dynamodb.QueryInput{
			TableName:              aws.String(a.cfg.Table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: storage.JoinKey(segments[:2])},
			},
		}
		if len(segments) > 2 {
			in.KeyConditionExpression = aws.String("pk = :pk AND begins_with(sk, :sk)")
			in.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{
				Value: storage.JoinKey(segments[2:]),
			}
		}

		for {
			out, err := a.client.Query(ctx, in)
			if err != nil {
				yield(storage.Entry{}, fmt.Errorf("failed to query items: %w", err))
				return
			}

			for _, attrs := range out.Items {
				var it item
				if err := attributevalue.UnmarshalMap(attrs, &it); err != nil {
					yield(storage.Entry{}, fmt.Errorf("failed to unmarshal item: %w", err))
					return
				}
				if expired(it.Expiry) {
					continue
				}
				entryKey := joinKey(it.PK, it.SK)
				// begins_with over-matches sibling sort keys sharing a
				// string prefix; re-check the segment boundary.
				if !storage.MatchesPrefix(storage.JoinKey(entryKey), joined) {
					continue
				}
				if !yield(storage.Entry{Key: entryKey, Value: []byte(it.Value)}, nil) {
					return
				}
			}

			if out.LastEvaluatedKey == nil {
				return
			}
			in.ExclusiveStartKey = out.LastEvaluatedKey
		}
	}
}

// Compile-time interface compliance check.
var _ storage.Adapter = (*Adapter)(nil)
