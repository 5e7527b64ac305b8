package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cumulusdata/cumulus/internal/cumulus"
)

// dynamoAPI is the subset of the DynamoDB client used here.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDocumentStore keeps one table per kind, named prefix + kind.
type DynamoDocumentStore struct {
	client      dynamoAPI
	tablePrefix string
}

type DynamoOptions struct {
	Region          string
	Endpoint        string
	TablePrefix     string
	AccessKeyID     string
	SecretAccessKey string
}

func NewDynamoDocumentStore(ctx context.Context, opts DynamoOptions) (*DynamoDocumentStore, error) {
	cfg, err := LoadAWSConfig(ctx, opts.Region, opts.AccessKeyID, opts.SecretAccessKey)
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return &DynamoDocumentStore{client: client, tablePrefix: opts.TablePrefix}, nil
}

// ParseDynamoDSN reads dynamodb://region?prefix=...&endpoint=...
func ParseDynamoDSN(dsn string) (DynamoOptions, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return DynamoOptions{}, err
	}
	q := parsed.Query()
	opts := DynamoOptions{
		Region:      parsed.Host,
		Endpoint:    q.Get("endpoint"),
		TablePrefix: q.Get("prefix"),
	}
	if parsed.User != nil {
		opts.AccessKeyID = parsed.User.Username()
		opts.SecretAccessKey, _ = parsed.User.Password()
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	return opts, nil
}

// LoadAWSConfig resolves the default AWS chain, pinned to region and, when
// given, static credentials.
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

func (s *DynamoDocumentStore) tableName(kind cumulus.Kind) string {
	return s.tablePrefix + strings.ReplaceAll(string(kind), "_", "-") + "s"
}

func dynamoKey(key DocKey) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(key))
	for name, value := range key {
		out[name] = &types.AttributeValueMemberS{Value: value}
	}
	return out
}

func (s *DynamoDocumentStore) Put(ctx context.Context, kind cumulus.Kind, key DocKey, doc any) error {
	item, err := attributevalue.MarshalMapWithOptions(doc, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
	if err != nil {
		return fmt.Errorf("marshal %s document: %w", kind, err)
	}
	for name, value := range dynamoKey(key) {
		item[name] = value
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName(kind)),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put %s document: %w", kind, err)
	}
	return nil
}

func (s *DynamoDocumentStore) Get(ctx context.Context, kind cumulus.Kind, key DocKey, out any) error {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName(kind)),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return cumulus.ErrRecordNotFound
		}
		return fmt.Errorf("get %s document: %w", kind, err)
	}
	if len(res.Item) == 0 {
		return cumulus.ErrRecordNotFound
	}
	return attributevalue.UnmarshalMapWithOptions(res.Item, out, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
}

func (s *DynamoDocumentStore) Delete(ctx context.Context, kind cumulus.Kind, key DocKey) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName(kind)),
		Key:       dynamoKey(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s document: %w", kind, err)
	}
	return nil
}

func (s *DynamoDocumentStore) Close() error {
	return nil
}
