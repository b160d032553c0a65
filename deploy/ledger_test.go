package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	puts []*dynamodb.PutItemInput
	err  error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, f.err
}

func TestDynamoLedgerRecord(t *testing.T) {
	client := &fakeDynamo{}
	ledger := NewDynamoLedger(client, "deployments")
	ledger.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := ledger.Record(context.Background(), &Deployment{
		ID: "dep-1", Name: "study", Region: "us-east-1", Infra: "m5.2xlarge",
		KeyName: "ops", Owner: "alice", Peers: []string{"canada", "italy"},
	})
	require.NoError(t, err)
	require.Len(t, client.puts, 1)

	in := client.puts[0]
	assert.Equal(t, "deployments", aws.ToString(in.TableName))
	assert.Equal(t, "attribute_not_exists(deployment_id)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "dep-1"}, in.Item["deployment_id"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "2026-03-01T12:00:00Z"}, in.Item["created_at"])
	assert.Equal(t, &types.AttributeValueMemberSS{Value: []string{"canada", "italy"}}, in.Item["peers"])
}

func TestDynamoLedgerNoPeers(t *testing.T) {
	client := &fakeDynamo{}
	require.NoError(t, NewDynamoLedger(client, "t").Record(context.Background(), &Deployment{ID: "dep-2"}))
	_, ok := client.puts[0].Item["peers"]
	assert.False(t, ok)
}

func TestDynamoLedgerError(t *testing.T) {
	client := &fakeDynamo{err: errors.New("conditional check failed")}
	err := NewDynamoLedger(client, "t").Record(context.Background(), &Deployment{ID: "dep-3"})
	assert.ErrorContains(t, err, "dep-3")
}
