package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cppnexus/rpc-shield/internal/config"
)

const (
	// KeyPrefix tags keys minted by this store, distinguishing them from
	// raw upstream credentials the same header might otherwise carry.
	KeyPrefix = "rs:"
	// KeyLength is the length in bytes of the random part of the key.
	KeyLength = 32
)

// record is the DynamoDB item shape for one API key.
type record struct {
	PK        string            `dynamodbav:"pk"`
	Tier      string            `dynamodbav:"tier"`
	Limits    map[string]string `dynamodbav:"limits,omitempty"` // method -> "requests/period"
	Enabled   bool              `dynamodbav:"enabled"`
	CreatedAt time.Time         `dynamodbav:"created_at"`
	UpdatedAt time.Time         `dynamodbav:"updated_at"`
}

// DynamoDBStore is the optional out-of-band-provisioned credential
// store backend: a single-hash-key table of prefixed random keys.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *slog.Logger
}

// DynamoDBStoreConfig configures a DynamoDBStore.
type DynamoDBStoreConfig struct {
	TableName string
	Region    string
	Logger    *slog.Logger
}

// NewDynamoDBStore connects to DynamoDB and ensures the credentials
// table exists.
func NewDynamoDBStore(ctx context.Context, cfg DynamoDBStoreConfig) (*DynamoDBStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := &DynamoDBStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
		logger:    logger,
	}

	if err := store.ensureTableExists(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure credentials table exists: %w", err)
	}

	return store, nil
}

func (s *DynamoDBStore) ensureTableExists(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		s.logger.Debug("credentials table already exists", "table", s.tableName)
		return nil
	}

	s.logger.Info("creating DynamoDB table for credentials", "table", s.tableName)

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("failed waiting for table to become active: %w", err)
	}

	s.logger.Info("credentials table created", "table", s.tableName)
	return nil
}

// GenerateKey mints a new random, prefixed raw API key.
func GenerateKey() (string, error) {
	b := make([]byte, KeyLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// CreateKey provisions a new credential with the given tier and
// per-method limit overrides.
func (s *DynamoDBStore) CreateKey(ctx context.Context, tier config.SubscriptionTier, limits map[string]config.LimitRule) (string, error) {
	rawKey, err := GenerateKey()
	if err != nil {
		return "", err
	}

	now := time.Now()
	rec := record{
		PK:        rawKey,
		Tier:      string(tier),
		Limits:    encodeLimits(limits),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	av, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credential: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create credential: %w", err)
	}

	s.logger.Info("🔑 created new API key", "tier", tier)
	return rawKey, nil
}

// Lookup implements Store.
func (s *DynamoDBStore) Lookup(rawKey string) (Record, bool) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return Record{}, false
	}

	ctx := context.Background()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: rawKey},
		},
	})
	if err != nil || result.Item == nil {
		return Record{}, false
	}

	var rec record
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		s.logger.Warn("failed to unmarshal credential record", "error", err)
		return Record{}, false
	}

	if !rec.Enabled {
		return Record{}, false
	}

	return Record{
		Tier:    config.SubscriptionTier(rec.Tier),
		Limits:  decodeLimits(rec.Limits),
		Enabled: rec.Enabled,
	}, true
}

// SetEnabled flips a credential's enabled flag.
func (s *DynamoDBStore) SetEnabled(ctx context.Context, rawKey string, enabled bool) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: rawKey},
		},
		UpdateExpression: aws.String("SET enabled = :enabled, updated_at = :updated_at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":enabled":    &types.AttributeValueMemberBOOL{Value: enabled},
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// DeleteKey removes a credential entirely.
func (s *DynamoDBStore) DeleteKey(ctx context.Context, rawKey string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: rawKey},
		},
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ListKeys scans the table. Intended for the admin CLI only; not on any
// request-hot path.
func (s *DynamoDBStore) ListKeys(ctx context.Context) ([]string, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return nil, fmt.Errorf("failed to scan credentials: %w", err)
	}

	var keys []string
	for _, item := range result.Items {
		var rec record
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			s.logger.Warn("failed to unmarshal credential record during scan", "error", err)
			continue
		}
		keys = append(keys, rec.PK)
	}
	return keys, nil
}

func encodeLimits(limits map[string]config.LimitRule) map[string]string {
	if len(limits) == 0 {
		return nil
	}
	out := make(map[string]string, len(limits))
	for method, rule := range limits {
		out[method] = fmt.Sprintf("%d/%s", rule.Requests, rule.Period)
	}
	return out
}

func decodeLimits(encoded map[string]string) map[string]config.LimitRule {
	if len(encoded) == 0 {
		return nil
	}
	out := make(map[string]config.LimitRule, len(encoded))
	for method, s := range encoded {
		var requests uint32
		var period string
		if n, err := fmt.Sscanf(s, "%d/%s", &requests, &period); err == nil && n == 2 {
			out[method] = config.LimitRule{Requests: requests, Period: period}
		}
	}
	return out
}
