package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSQS implements SQSAPI for testing.
type mockSQS struct {
	sendInput    *sqs.SendMessageInput
	sendErr      error
	receiveInput *sqs.ReceiveMessageInput
	receiveOut   *sqs.ReceiveMessageOutput
	receiveErr   error
	deleteInputs []*sqs.DeleteMessageInput
	deleteErr    error
}

func (m *mockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sendInput = params
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("sqs-1")}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.receiveInput = params
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	return m.receiveOut, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleteInputs = append(m.deleteInputs, params)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return &sqs.DeleteMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123/notifications"

func TestForwardSendsRawPayload(t *testing.T) {
	api := &mockSQS{}
	c := NewClient(api, testQueueURL, nil)

	err := c.Forward(context.Background(), []byte(`{"Type":"Notification"}`), "webhook")

	require.NoError(t, err)
	require.NotNil(t, api.sendInput)
	assert.Equal(t, testQueueURL, *api.sendInput.QueueUrl)
	assert.Equal(t, `{"Type":"Notification"}`, *api.sendInput.MessageBody)
	assert.Equal(t, "webhook", *api.sendInput.MessageAttributes["source"].StringValue)
	assert.NotEmpty(t, *api.sendInput.MessageAttributes["trace_id"].StringValue)
}

func TestForwardWrapsError(t *testing.T) {
	api := &mockSQS{sendErr: errors.New("access denied")}
	c := NewClient(api, testQueueURL, nil)

	err := c.Forward(context.Background(), []byte("x"), "webhook")
	assert.ErrorContains(t, err, "failed to forward")
}

func TestReceiveCapsBatchSize(t *testing.T) {
	api := &mockSQS{receiveOut: &sqs.ReceiveMessageOutput{
		Messages: []sqsTypes.Message{
			{MessageId: aws.String("m1"), ReceiptHandle: aws.String("rh1"), Body: aws.String("b1")},
			{MessageId: aws.String("m2"), ReceiptHandle: aws.String("rh2"), Body: aws.String("b2")},
		},
	}}
	c := NewClient(api, testQueueURL, nil)

	msgs, err := c.Receive(context.Background(), 50, 120)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.Equal(t, "rh2", msgs[1].ReceiptHandle)
	// 50 exceeds the SQS per-call limit and is capped at 10.
	assert.Equal(t, int32(10), api.receiveInput.MaxNumberOfMessages)
	assert.Equal(t, int32(120), api.receiveInput.VisibilityTimeout)
}

func TestDelete(t *testing.T) {
	api := &mockSQS{}
	c := NewClient(api, testQueueURL, nil)

	require.NoError(t, c.Delete(context.Background(), "rh1"))
	require.Len(t, api.deleteInputs, 1)
	assert.Equal(t, "rh1", *api.deleteInputs[0].ReceiptHandle)
}
