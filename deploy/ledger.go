package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ItemPutter is the subset of the DynamoDB client used by the ledger
type ItemPutter interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLedger records deployments in a DynamoDB table keyed by
// deployment_id
type DynamoLedger struct {
	Client ItemPutter
	Table  string

	now func() time.Time
}

// NewDynamoLedger creates a ledger writing to table
func NewDynamoLedger(client ItemPutter, table string) *DynamoLedger {
	return &DynamoLedger{Client: client, Table: table, now: time.Now}
}

func (l *DynamoLedger) Record(ctx context.Context, d *Deployment) error {
	item := map[string]types.AttributeValue{
		"deployment_id": &types.AttributeValueMemberS{Value: d.ID},
		"name":          &types.AttributeValueMemberS{Value: d.Name},
		"region":        &types.AttributeValueMemberS{Value: d.Region},
		"infra":         &types.AttributeValueMemberS{Value: d.Infra},
		"key_name":      &types.AttributeValueMemberS{Value: d.KeyName},
		"owner":         &types.AttributeValueMemberS{Value: d.Owner},
		"created_at":    &types.AttributeValueMemberS{Value: l.now().UTC().Format(time.RFC3339)},
	}
	// DynamoDB rejects empty string sets.
	if len(d.Peers) > 0 {
		item["peers"] = &types.AttributeValueMemberSS{Value: d.Peers}
	}

	_, err := l.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(deployment_id)"),
	})
	if err != nil {
		return fmt.Errorf("failed to record deployment %s: %w", d.ID, err)
	}
	return nil
}
