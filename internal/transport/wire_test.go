package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinlink/fault"
	"coinlink/models"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "subscribe",
			cmd:  Subscribe([]models.Topic{models.TopicBalance, models.TopicPnL}, ""),
			want: `{"event":"subscribe","data":{"types":["balance","pnl"]}}`,
		},
		{
			name: "unsubscribe with subject",
			cmd:  Unsubscribe([]models.Topic{models.TopicOrders}, "17"),
			want: `{"event":"unsubscribe","data":{"types":["orders"],"user_id":"17"}}`,
		},
		{
			name: "ping",
			cmd:  Ping(),
			want: `{"event":"ping","data":{}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	_, err := Encode(Command{Event: "bogus"})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Event
	}{
		{"connected numeric subject", `{"event":"connected","data":{"user_id":17,"message":"hi"}}`, Connected{Subject: "17", Message: "hi"}},
		{"connected no data", `{"event":"connected"}`, Connected{}},
		{"subscribed", `{"event":"subscribed","data":{"types":["balance","position"]}}`, Subscribed{Topics: []models.Topic{models.TopicBalance, models.TopicPositions}}},
		{"unsubscribed", `{"event":"unsubscribed","data":{"types":["orders"]}}`, Unsubscribed{Topics: []models.Topic{models.TopicOrders}}},
		{"error object", `{"event":"error","data":{"message":"Invalid token"}}`, ServerError{Message: "Invalid token"}},
		{"error string", `{"event":"error","data":"nope"}`, ServerError{Message: "nope"}},
		{"unknown", `{"event":"news","data":{}}`, Unknown{Name: "news", Data: []byte(`{}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTopicMessage(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"order_update","data":{"data":[{"order_id":"1"}],"timestamp":"2024-05-01T10:00:00.5"}}`))
	require.NoError(t, err)

	msg, ok := ev.(TopicMessage)
	require.True(t, ok)
	assert.Equal(t, models.TopicOrders, msg.Topic)
	assert.Equal(t, "order", msg.Name)
	assert.JSONEq(t, `[{"order_id":"1"}]`, string(msg.Data))
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 5e8, time.UTC), msg.Timestamp)

	ev, err = Decode([]byte(`{"event":"tickers_update","data":{"data":{},"timestamp":1714557600}}`))
	require.NoError(t, err)
	msg = ev.(TopicMessage)
	assert.Empty(t, msg.Topic)
	assert.Equal(t, int64(1714557600), msg.Timestamp.Unix())
}

func TestDecodeErrors(t *testing.T) {
	for _, frame := range []string{`not json`, `{"data":{}}`, `{"event":"balance_update","data":[1]}`} {
		_, err := Decode([]byte(frame))
		require.Error(t, err, frame)
		assert.Equal(t, fault.KindProtocol, fault.KindOf(err))
	}
}
