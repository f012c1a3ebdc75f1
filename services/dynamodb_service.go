package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"chatstate/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// batchWriteLimit is the DynamoDB cap on requests per BatchWriteItem.
const batchWriteLimit = 25

type DynamoDBOptions struct {
	Endpoint           string
	Region             string
	ConversationsTable string
	MessagesTable      string
}

// DynamoRepository stores conversation summaries in one table keyed by ID and
// messages in a second table keyed by ConversationID + SortKey.
type DynamoRepository struct {
	db                 *dynamodb.Client
	conversationsTable string
	messagesTable      string
	logger             *slog.Logger
}

// NewDynamoDBClient builds a client. A non-empty endpoint points it at a
// local DynamoDB with dummy credentials.
func NewDynamoDBClient(ctx context.Context, opts DynamoDBOptions) (*dynamodb.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.Endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: opts.Endpoint,
			}, nil
		})
		loadOpts = append(loadOpts,
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func NewDynamoRepository(db *dynamodb.Client, opts DynamoDBOptions, logger *slog.Logger) *DynamoRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoRepository{
		db:                 db,
		conversationsTable: opts.ConversationsTable,
		messagesTable:      opts.MessagesTable,
		logger:             logger.With("component", "dynamodb_repository"),
	}
}

// EnsureTables creates both tables, ignoring tables that already exist.
func (r *DynamoRepository) EnsureTables(ctx context.Context) error {
	_, err := r.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.conversationsTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("ID"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("ID"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err := ignoreTableExists(err); err != nil {
		return fmt.Errorf("creating table %s: %w", r.conversationsTable, err)
	}

	_, err = r.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(r.messagesTable),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SortKey"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SortKey"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err := ignoreTableExists(err); err != nil {
		return fmt.Errorf("creating table %s: %w", r.messagesTable, err)
	}
	return nil
}

func ignoreTableExists(err error) error {
	var inUse *types.ResourceInUseException
	if err == nil || errors.As(err, &inUse) {
		return nil
	}
	return err
}

func (r *DynamoRepository) CreateConversation(ctx context.Context, agentName, firstMessage string) (*models.Conversation, error) {
	now := GetCurrentTimestamp()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		AgentName: agentName,
		Title:     ConversationTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.conversationsTable),
		Item:                conversationToItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(ID)"),
	})
	if err != nil {
		return nil, fmt.Errorf("putting conversation: %w", err)
	}

	r.logger.Info("conversation created", "conversation_id", conv.ID, "agent", agentName)
	return &conv, nil
}

func (r *DynamoRepository) AddMessage(ctx context.Context, conversationID, text string, sender models.Sender, agentName string) (*models.StoredMessage, error) {
	msg := models.StoredMessage{
		ID:             uuid.New().String(),
		Text:           text,
		Sender:         sender,
		Timestamp:      GetCurrentTimestamp(),
		AgentName:      agentName,
		ConversationID: conversationID,
	}

	// メッセージ保存と件数更新は同一トランザクション
	_, err := r.db.TransactWriteItems(ctx, r.addMessageInput(msg))
	if err != nil {
		if isConditionFailure(err) {
			return nil, fmt.Errorf("add message to %s: %w", conversationID, ErrConversationNotFound)
		}
		return nil, fmt.Errorf("writing message to %s: %w", conversationID, err)
	}
	return &msg, nil
}

func (r *DynamoRepository) addMessageInput(msg models.StoredMessage) *dynamodb.TransactWriteItemsInput {
	return &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: aws.String(r.conversationsTable),
					Key: map[string]types.AttributeValue{
						"ID": &types.AttributeValueMemberS{Value: msg.ConversationID},
					},
					UpdateExpression:    aws.String("SET UpdatedAt = :now ADD MessageCount :one"),
					ConditionExpression: aws.String("attribute_exists(ID)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":now": &types.AttributeValueMemberS{Value: msg.Timestamp},
						":one": &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.messagesTable),
					Item:      messageToItem(msg),
				},
			},
		},
	}
}

// isConditionFailure reports whether a write was rejected by its condition,
// either directly or as the cancellation reason of a transaction.
func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (r *DynamoRepository) GetConversationHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.conversationsTable),
		Key: map[string]types.AttributeValue{
			"ID": &types.AttributeValueMemberS{Value: conversationID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", conversationID, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("get %s: %w", conversationID, ErrConversationNotFound)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return nil, err
	}

	items, err := r.queryMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages := make([]models.StoredMessage, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return &models.ConversationHistory{Conversation: &conv, Messages: messages}, nil
}

func (r *DynamoRepository) ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error) {
	conversations := make([]models.Conversation, 0)
	var startKey map[string]types.AttributeValue
	for {
		result, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(r.conversationsTable),
			FilterExpression: aws.String("AgentName = :agent"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":agent": &types.AttributeValueMemberS{Value: agentName},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning conversations: %w", err)
		}
		for _, item := range result.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, err
			}
			conversations = append(conversations, conv)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		startKey = result.LastEvaluatedKey
	}

	sortByUpdatedDesc(conversations)
	return conversations, nil
}

func (r *DynamoRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := r.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.conversationsTable),
		Key: map[string]types.AttributeValue{
			"ID": &types.AttributeValueMemberS{Value: conversationID},
		},
		ConditionExpression: aws.String("attribute_exists(ID)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("delete %s: %w", conversationID, ErrConversationNotFound)
		}
		return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
	}

	items, err := r.queryMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	requests := make([]types.WriteRequest, 0, len(items))
	for _, item := range items {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"ConversationID": item["ConversationID"],
					"SortKey":        item["SortKey"],
				},
			},
		})
	}
	for len(requests) > 0 {
		n := min(len(requests), batchWriteLimit)
		out, err := r.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{r.messagesTable: requests[:n]},
		})
		if err != nil {
			return fmt.Errorf("deleting messages of %s: %w", conversationID, err)
		}
		requests = append(out.UnprocessedItems[r.messagesTable], requests[n:]...)
	}

	r.logger.Info("conversation deleted", "conversation_id", conversationID, "messages", len(items))
	return nil
}

func (r *DynamoRepository) queryMessages(ctx context.Context, conversationID string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		result, err := r.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.messagesTable),
			KeyConditionExpression: aws.String("ConversationID = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: conversationID},
			},
			ScanIndexForward:  aws.Bool(true), // 古い順に並び替え
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying messages of %s: %w", conversationID, err)
		}
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = result.LastEvaluatedKey
	}
}

func conversationToItem(c models.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ID":           &types.AttributeValueMemberS{Value: c.ID},
		"AgentName":    &types.AttributeValueMemberS{Value: c.AgentName},
		"Title":        &types.AttributeValueMemberS{Value: c.Title},
		"CreatedAt":    &types.AttributeValueMemberS{Value: c.CreatedAt},
		"UpdatedAt":    &types.AttributeValueMemberS{Value: c.UpdatedAt},
		"MessageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(c.MessageCount)},
	}
}

func itemToConversation(item map[string]types.AttributeValue) (models.Conversation, error) {
	var c models.Conversation
	var err error
	if c.ID, err = stringAttr(item, "ID"); err != nil {
		return c, err
	}
	if c.AgentName, err = stringAttr(item, "AgentName"); err != nil {
		return c, err
	}
	if c.Title, err = stringAttr(item, "Title"); err != nil {
		return c, err
	}
	if c.CreatedAt, err = stringAttr(item, "CreatedAt"); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = stringAttr(item, "UpdatedAt"); err != nil {
		return c, err
	}
	if c.MessageCount, err = intAttr(item, "MessageCount"); err != nil {
		return c, err
	}
	return c, nil
}

func messageToItem(m models.StoredMessage) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ConversationID": &types.AttributeValueMemberS{Value: m.ConversationID},
		"SortKey":        &types.AttributeValueMemberS{Value: messageSortKey(m)},
		"ID":             &types.AttributeValueMemberS{Value: m.ID},
		"Text":           &types.AttributeValueMemberS{Value: m.Text},
		"Sender":         &types.AttributeValueMemberS{Value: string(m.Sender)},
		"Timestamp":      &types.AttributeValueMemberS{Value: m.Timestamp},
		"AgentName":      &types.AttributeValueMemberS{Value: m.AgentName},
	}
}

// sortKeyLayout is fixed width so the keys sort as strings in time order.
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

func messageSortKey(m models.StoredMessage) string {
	ts, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return m.Timestamp + "#" + m.ID
	}
	return ts.UTC().Format(sortKeyLayout) + "#" + m.ID
}

func itemToMessage(item map[string]types.AttributeValue) (models.StoredMessage, error) {
	var m models.StoredMessage
	var err error
	if m.ConversationID, err = stringAttr(item, "ConversationID"); err != nil {
		return m, err
	}
	if m.ID, err = stringAttr(item, "ID"); err != nil {
		return m, err
	}
	if m.Text, err = stringAttr(item, "Text"); err != nil {
		return m, err
	}
	sender, err := stringAttr(item, "Sender")
	if err != nil {
		return m, err
	}
	m.Sender = models.Sender(sender)
	if m.Timestamp, err = stringAttr(item, "Timestamp"); err != nil {
		return m, err
	}
	m.AgentName, _ = stringAttr(item, "AgentName")
	return m, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("item attribute %s missing or not a string", name)
	}
	return v.Value, nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("item attribute %s missing or not a number", name)
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, fmt.Errorf("item attribute %s: %w", name, err)
	}
	return n, nil
}
