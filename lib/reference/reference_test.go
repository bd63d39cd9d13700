package reference

import (
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

func TestNewReferenceEvent(t *testing.T) {
	userPriv := nostr.GeneratePrivateKey()
	original := &nostr.Event{
		Kind:      32018,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"d", "daily-metrics"},
			{"t", "weight"},
			{"subject", "morning"},
			{"privacy", "private"},
			{"secret", "do-not-echo"},
		},
		Content: "private measurement",
	}
	require.NoError(t, original.Sign(userPriv))

	node := &types.SatelliteNode{
		Pubkey:         strings.Repeat("cc", 32),
		URL:            "https://sat.example.com",
		SupportedKinds: []int{32018},
	}

	now := time.Now()
	ref := NewReferenceEvent(original, node, now)

	assert.Equal(t, ReferenceKind, ref.Kind)
	assert.Equal(t, nostr.Timestamp(now.Unix()), ref.CreatedAt)
	assert.Empty(t, ref.Content)

	assert.Equal(t, nostr.Tag{"e", original.ID}, ref.Tags[0])
	assert.Equal(t, nostr.Tag{"p", original.PubKey}, ref.Tags[1])
	assert.Equal(t, nostr.Tag{"kind", "32018"}, ref.Tags[2])
	assert.Equal(t, nostr.Tag{"blossom", node.Pubkey}, ref.Tags[3])
	assert.Equal(t, nostr.Tag{"url", node.URL}, ref.Tags[4])
}

func TestReferenceEchoesOnlySafeTags(t *testing.T) {
	original := &nostr.Event{
		Kind:      32018,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{"d", "daily-metrics"},
			{"t", "weight"},
			{"subject", "morning"},
			{"privacy", "private"},
			{"expires_at", "1700000000"},
			{"p", "someone-else"},
		},
	}
	require.NoError(t, original.Sign(nostr.GeneratePrivateKey()))

	node := &types.SatelliteNode{Pubkey: strings.Repeat("cc", 32), URL: "https://sat.example.com"}
	ref := NewReferenceEvent(original, node, time.Now())

	echoed := ref.Tags[5:]
	require.Len(t, echoed, 3)
	assert.Equal(t, nostr.Tag{"d", "daily-metrics"}, echoed[0])
	assert.Equal(t, nostr.Tag{"t", "weight"}, echoed[1])
	assert.Equal(t, nostr.Tag{"subject", "morning"}, echoed[2])
}

func TestReferenceSignsWithRelayIdentity(t *testing.T) {
	original := &nostr.Event{Kind: 32018, CreatedAt: nostr.Now(), Tags: nostr.Tags{}}
	require.NoError(t, original.Sign(nostr.GeneratePrivateKey()))

	node := &types.SatelliteNode{Pubkey: strings.Repeat("cc", 32), URL: "https://sat.example.com"}
	ref := NewReferenceEvent(original, node, time.Now())

	relayPriv := nostr.GeneratePrivateKey()
	require.NoError(t, ref.Sign(relayPriv))

	relayPub, err := nostr.GetPublicKey(relayPriv)
	require.NoError(t, err)
	assert.Equal(t, relayPub, ref.PubKey)
	assert.NotEqual(t, original.PubKey, ref.PubKey)

	ok, err := ref.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}
