package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/AGIHouse/openscience/blobstore"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBPointerStore implements blobstore.PointerStore with DynamoDB conditional writes.
// Every commit is a new item; the latest version wins.
type DDBPointerStore struct {
	client    DDBClient
	tableName string
	baseURI   string
}

var _ blobstore.PointerStore = (*DDBPointerStore)(nil)

// NewDDBPointerStore creates a pointer store. baseURI ("s3://bucket/prefix")
// namespaces the partition keys so several deployments can share one table.
func NewDDBPointerStore(client DDBClient, tableName, baseURI string) *DDBPointerStore {
	return &DDBPointerStore{client: client, tableName: tableName, baseURI: baseURI}
}

// NewDDBPointerStoreFromConfig loads the default AWS configuration for region
// and creates a pointer store on tableName.
func NewDDBPointerStoreFromConfig(ctx context.Context, region, tableName, baseURI string) (*DDBPointerStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewDDBPointerStore(dynamodb.NewFromConfig(cfg), tableName, baseURI), nil
}

func (s *DDBPointerStore) partition(key string) string {
	return s.baseURI + "#" + key
}

// Latest queries the newest version of key.
func (s *DDBPointerStore) Latest(ctx context.Context, key string) (blobstore.Pointer, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.partition(key)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return blobstore.Pointer{}, fmt.Errorf("failed to query DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return blobstore.Pointer{}, blobstore.ErrNotFound
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return blobstore.Pointer{}, errors.New("invalid version attribute in DynamoDB")
	}
	targetAttr, ok := item["target"].(*types.AttributeValueMemberS)
	if !ok {
		return blobstore.Pointer{}, errors.New("invalid target attribute in DynamoDB")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return blobstore.Pointer{}, fmt.Errorf("failed to parse version: %w", err)
	}
	return blobstore.Pointer{Version: version, Target: targetAttr.Value}, nil
}

// Commit puts version prev+1 only if no item with that version exists.
func (s *DDBPointerStore) Commit(ctx context.Context, key string, prev uint64, target string) (blobstore.Pointer, error) {
	next := prev + 1
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.partition(key)},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"target":   &types.AttributeValueMemberS{Value: target},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.Pointer{}, blobstore.ErrConcurrentModification
		}
		return blobstore.Pointer{}, fmt.Errorf("failed to commit version to DynamoDB: %w", err)
	}
	return blobstore.Pointer{Version: next, Target: target}, nil
}
