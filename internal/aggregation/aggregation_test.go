package aggregation

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RelayVerify/internal/message"
)

// testID returns a deterministic identity.
func testID(i int) message.Identity {
	var id message.Identity
	id[0] = byte(i)
	id[1] = byte(i >> 8)
	id[31] = 0xA5

	return id
}

// testMessage returns a message whose payload depends on data.
func testMessage(data string) message.Message {
	return message.Message{
		FromChain: "ethereum",
		ToChain:   "near",
		Sender:    "0xsender",
		Signer:    "0xsigner",
		Content: message.Content{
			Contract: "greeting.near",
			Action:   "set_greeting",
			Data:     data,
		},
	}
}

// votes builds copies: validators [first, first+n) vote for m.
func votes(first, n int, m message.Message) []message.MessageVerify {
	out := make([]message.MessageVerify, n)
	for i := range out {
		out[i] = message.MessageVerify{Validator: testID(first + i), Message: m}
	}

	return out
}

// uniform assigns value to validators [0, n).
func uniform(n int, value uint32) map[message.Identity]uint32 {
	creds := make(map[message.Identity]uint32, n)
	for i := 0; i < n; i++ {
		creds[testID(i)] = value
	}

	return creds
}

func TestResolveRejectsEmptyAndBadThreshold(t *testing.T) {
	_, err := Resolve(nil, nil, 1000, TieBreakFirstSeen)
	assert.ErrorIs(t, err, ErrNoCopies)

	_, err = Resolve(votes(0, 1, testMessage("a")), nil, 10001, TieBreakFirstSeen)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestResolveUnanimous(t *testing.T) {
	m := testMessage("hello")

	o, err := Resolve(votes(0, 5, m), uniform(5, 4000), 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.NotNil(t, o.Accepted)
	assert.Equal(t, m, *o.Accepted)
	assert.Equal(t, []message.Message{m}, o.Messages())
	assert.Len(t, o.Trusted, 5)
	assert.Empty(t, o.Untrusted)
	assert.Empty(t, o.Exception)

	require.Len(t, o.Groups, 1)
	assert.Equal(t, uint64(20000), o.Groups[0].RawCredibility)
	assert.Equal(t, uint32(10000), o.Groups[0].WeightFraction)
}

func TestResolveSplitWinner(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")
	copies := append(votes(0, 5, m1), votes(5, 4, m2)...)

	o, err := Resolve(copies, uniform(9, 6000), 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.NotNil(t, o.Accepted)
	assert.Equal(t, m1, *o.Accepted)
	assert.Equal(t, uint32(5555), o.Groups[0].WeightFraction)
	assert.Equal(t, uint32(4444), o.Groups[1].WeightFraction)
	assert.ElementsMatch(t, Validators(votes(0, 5, m1)), o.Trusted)
	assert.ElementsMatch(t, Validators(votes(5, 4, m2)), o.Untrusted)
}

func TestResolveNoWinner(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")
	copies := append(votes(0, 5, m1), votes(5, 4, m2)...)

	o, err := Resolve(copies, uniform(9, 6000), 6000, TieBreakFirstSeen)
	require.NoError(t, err)

	assert.Nil(t, o.Accepted)
	assert.True(t, o.Rejected())
	assert.Empty(t, o.Messages())
	assert.Empty(t, o.Trusted)
	assert.Empty(t, o.Untrusted)

	require.Len(t, o.Exception, 2)
	assert.Equal(t, uint32(5555), o.Exception[0].Weight)
	assert.Len(t, o.Exception[0].Validators, 5)
	assert.Equal(t, uint32(4444), o.Exception[1].Weight)
	assert.Len(t, o.Exception[1].Validators, 4)
}

func TestResolveThresholdIsInclusive(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")
	copies := append(votes(0, 1, m1), votes(1, 1, m2)...)
	creds := map[message.Identity]uint32{testID(0): 6000, testID(1): 4000}

	o, err := Resolve(copies, creds, 6000, TieBreakFirstSeen)
	require.NoError(t, err)
	require.NotNil(t, o.Accepted)
	assert.Equal(t, m1, *o.Accepted)
}

func TestResolveZeroTotal(t *testing.T) {
	o, err := Resolve(votes(0, 3, testMessage("x")), nil, 1, TieBreakFirstSeen)
	require.NoError(t, err)

	assert.Nil(t, o.Accepted)
	require.Len(t, o.Exception, 1)
	assert.Equal(t, uint32(0), o.Exception[0].Weight)
}

func TestResolveZeroThresholdAcceptsZeroWeight(t *testing.T) {
	o, err := Resolve(votes(0, 3, testMessage("x")), nil, 0, TieBreakFirstSeen)
	require.NoError(t, err)
	assert.NotNil(t, o.Accepted)
}

func TestResolveUnknownValidatorWeighsNothing(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")
	copies := append(votes(0, 1, m1), votes(1, 3, m2)...)
	creds := map[message.Identity]uint32{testID(0): 100}

	o, err := Resolve(copies, creds, 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.NotNil(t, o.Accepted)
	assert.Equal(t, m1, *o.Accepted)
	assert.Equal(t, uint32(10000), o.Groups[0].WeightFraction)
	assert.Equal(t, uint32(0), o.Groups[1].WeightFraction)
}

func TestResolveDuplicateCopiesCountOnce(t *testing.T) {
	m := testMessage("dup")
	other := testMessage("other")

	copies := []message.MessageVerify{
		{Validator: testID(0), Message: m},
		{Validator: testID(0), Message: m},
		{Validator: testID(1), Message: other},
	}
	creds := map[message.Identity]uint32{testID(0): 5000, testID(1): 5000}

	o, err := Resolve(copies, creds, 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.Len(t, o.Groups, 2)
	assert.Equal(t, uint64(5000), o.Groups[0].RawCredibility)
	assert.Equal(t, []message.Identity{testID(0)}, o.Groups[0].Validators)
	assert.Equal(t, uint32(5000), o.Groups[0].WeightFraction)
}

func TestResolveFirstCopyPerValidatorWins(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")

	copies := []message.MessageVerify{
		{Validator: testID(0), Message: m1},
		{Validator: testID(0), Message: m2},
	}

	o, err := Resolve(copies, uniform(1, 5000), 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.Len(t, o.Groups, 1)
	assert.Equal(t, m1, *o.Accepted)
	assert.Empty(t, o.Untrusted)
}

func TestResolveGroupingMatchesEquality(t *testing.T) {
	base := testMessage("same")
	revealed := base
	revealed.SQoS.Reveal = true
	otherSigner := base
	otherSigner.Signer = "0xother"

	copies := []message.MessageVerify{
		{Validator: testID(0), Message: base},
		{Validator: testID(1), Message: revealed},
		{Validator: testID(2), Message: base},
		{Validator: testID(3), Message: otherSigner},
	}

	o, err := Resolve(copies, uniform(4, 1000), 0, TieBreakFirstSeen)
	require.NoError(t, err)
	require.Len(t, o.Groups, 3)

	for _, g := range o.Groups {
		for _, id := range g.Validators {
			for _, c := range copies {
				if c.Validator == id {
					assert.Equal(t, g.Message, c.Message)
				}
			}
		}
	}
}

func TestTieBreakFirstSeen(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")
	copies := append(votes(0, 2, m2), votes(2, 2, m1)...)

	o, err := Resolve(copies, uniform(4, 5000), 1000, TieBreakFirstSeen)
	require.NoError(t, err)

	require.NotNil(t, o.Accepted)
	assert.Equal(t, m2, *o.Accepted)
}

func TestTieBreakFingerprintIgnoresOrder(t *testing.T) {
	m1, m2 := testMessage("m1"), testMessage("m2")

	want := m1
	if m2.Fingerprint().Compare(m1.Fingerprint()) < 0 {
		want = m2
	}

	forward := append(votes(0, 2, m1), votes(2, 2, m2)...)
	backward := append(votes(0, 2, m2), votes(2, 2, m1)...)

	for _, copies := range [][]message.MessageVerify{forward, backward} {
		o, err := Resolve(copies, uniform(4, 5000), 1000, TieBreakFingerprint)
		require.NoError(t, err)
		require.NotNil(t, o.Accepted)
		assert.Equal(t, want, *o.Accepted)
	}
}

func TestTieBreakReject(t *testing.T) {
	m1, m2, m3 := testMessage("m1"), testMessage("m2"), testMessage("m3")
	copies := append(append(votes(0, 2, m1), votes(2, 2, m2)...), votes(4, 1, m3)...)

	o, err := Resolve(copies, uniform(5, 5000), 1000, TieBreakReject)
	require.NoError(t, err)

	assert.Nil(t, o.Accepted)
	require.Len(t, o.Exception, 3)
	assert.Equal(t, uint32(4000), o.Exception[0].Weight)
	assert.Equal(t, uint32(4000), o.Exception[1].Weight)
	assert.Equal(t, uint32(2000), o.Exception[2].Weight)

	// A tie below the leader does not matter
	copies = append(votes(0, 3, m1), append(votes(3, 1, m2), votes(4, 1, m3)...)...)
	o, err = Resolve(copies, uniform(5, 5000), 1000, TieBreakReject)
	require.NoError(t, err)
	require.NotNil(t, o.Accepted)
	assert.Equal(t, m1, *o.Accepted)
}

func TestWeightConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(20)
		kinds := 1 + rng.Intn(4)

		creds := make(map[message.Identity]uint32, n)
		copies := make([]message.MessageVerify, 0, n)

		for i := 0; i < n; i++ {
			creds[testID(i)] = uint32(rng.Intn(10001))
			copies = append(copies, message.MessageVerify{
				Validator: testID(i),
				Message:   testMessage(string(rune('a' + rng.Intn(kinds)))),
			})
		}

		o, err := Resolve(copies, creds, uint32(rng.Intn(10001)), TieBreakFirstSeen)
		require.NoError(t, err)

		var sum, total uint64
		for _, g := range o.Groups {
			sum += uint64(g.WeightFraction)
			total += g.RawCredibility
		}

		assert.LessOrEqual(t, sum, uint64(WeightScale))

		exact := total > 0
		for _, g := range o.Groups {
			if g.RawCredibility*WeightScale%max(total, 1) != 0 {
				exact = false
			}
		}

		if exact {
			assert.Equal(t, uint64(WeightScale), sum)
		}

		// Every validator is classified exactly once
		classified := len(o.Trusted) + len(o.Untrusted)
		for _, e := range o.Exception {
			classified += len(e.Validators)
		}
		assert.Equal(t, n, classified)
	}
}

func TestParseTieBreak(t *testing.T) {
	for _, tb := range []TieBreak{TieBreakFirstSeen, TieBreakFingerprint, TieBreakReject} {
		parsed, err := ParseTieBreak(tb.String())
		require.NoError(t, err)
		assert.Equal(t, tb, parsed)
	}

	_, err := ParseTieBreak("coin_flip")
	assert.Error(t, err)
}
