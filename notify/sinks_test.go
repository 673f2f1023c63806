package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
)

func TestIFTTTSink_TriggersEventWithValues(t *testing.T) {
	requests := make(chan *url.URL, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.URL
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewIFTTTSink("secret-key", "GHS", srv.URL)
	err := sink.Send(context.Background(), ledger.Notification{
		Event:       ledger.EventDebtCleared,
		AccountID:   "7a5a3d02",
		Reference:   "T1",
		Amount:      5000,
		DebtCleared: 1200,
		NewBalance:  3800,
		NewDebt:     0,
	})
	require.NoError(t, err)

	got := <-requests
	gotQuery := got.Query()
	assert.Equal(t, "/trigger/debt_cleared/with/key/secret-key", got.Path)
	assert.Equal(t, "7a5a3d02", gotQuery.Get("value1"))
	assert.Equal(t, "GHS 12.00", gotQuery.Get("value2"))
	assert.Equal(t, "GHS 38.00", gotQuery.Get("value3"))
	assert.Equal(t, "Remaining debt: GHS 0.00", gotQuery.Get("value4"))
}

func TestIFTTTSink_Values(t *testing.T) {
	sink := NewIFTTTSink("k", "GHS", "")

	topup := sink.Values(ledger.Notification{
		Event: ledger.EventTopupCompleted, AccountID: "tag1", Reference: "T2", Amount: 250, NewBalance: 1250,
	})
	assert.Equal(t, [4]string{"tag1", "GHS 2.50", "GHS 12.50", "T2"}, topup)

	unknown := sink.Values(ledger.Notification{
		Event: ledger.EventUnknownTopup, Reference: "T3", Amount: 100, Detail: "no vehicle linked to a@b.c",
	})
	assert.Equal(t, "no vehicle linked to a@b.c", unknown[0])
	assert.Equal(t, "T3", unknown[2])
}

func TestIFTTTSink_ReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewIFTTTSink("bad", "", srv.URL).Send(context.Background(), note("r1"))
	assert.ErrorContains(t, err, "401")
}

func TestEnvelope_MajorUnitStrings(t *testing.T) {
	at := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	env := NewEnvelope(ledger.Notification{
		Event: ledger.EventTollCharged, AccountID: "tag1", Reference: "g1",
		Amount: 350, NewBalance: 0, NewDebt: 150, At: at,
	}, "GHS")

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event": "toll_charged",
		"account_id": "tag1",
		"reference": "g1",
		"currency": "GHS",
		"amount": "3.50",
		"amount_minor": 350,
		"debt_cleared": "0.00",
		"new_balance": "0.00",
		"new_debt": "1.50",
		"at": "2025-03-10T08:00:00Z"
	}`, string(raw))
	assert.Equal(t, "ledger.toll_charged", RoutingKey(ledger.Notification{Event: ledger.EventTollCharged}))
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, ParseBrokers(" k1:9092, ,k2:9092 "))
	assert.Nil(t, ParseBrokers(""))
}

func TestRabbitMQSink_RejectsBadScheme(t *testing.T) {
	_, err := NewRabbitMQSink("http://localhost:5672", "", "GHS")
	assert.ErrorContains(t, err, "AMQP scheme")
}

func TestRabbitMQSink_Publish(t *testing.T) {
	amqpURL := os.Getenv("TEST_RABBITMQ_URL")
	if amqpURL == "" {
		t.Skip("TEST_RABBITMQ_URL not set")
	}
	sink, err := NewRabbitMQSink(amqpURL, "toll.ledger.test", "GHS")
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, sink.Send(ctx, note("rmq-1")))
}

func TestKafkaSink_Publish(t *testing.T) {
	brokers := ParseBrokers(os.Getenv("TEST_KAFKA_BROKERS"))
	if len(brokers) == 0 {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}
	sink := NewKafkaSink(brokers, "toll-ledger-test", "GHS")
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, sink.Send(ctx, note("kafka-1")))
}
