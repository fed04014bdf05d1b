package dataplane

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iniwex5/sad-go/pkg/crypto"
	"github.com/iniwex5/sad-go/pkg/ipsec"
	"github.com/iniwex5/sad-go/pkg/sad"
	"github.com/iniwex5/sad-go/pkg/seq"
)

func newDB(t *testing.T) *sad.DB {
	t.Helper()
	db := sad.New(sad.WithLogger(zap.NewNop()))
	t.Cleanup(func() { db.Close(time.Second) })
	return db
}

func addSA(t *testing.T, db *sad.DB, id, spi uint32, tunnel bool) {
	t.Helper()
	key, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	c := sad.Candidate{
		SadID: id, SPI: spi, Protocol: sad.ProtoESP,
		Crypto: sad.CryptoAESGCM128, CryptoKey: sad.NewKey(key), Salt: id,
		Flags: sad.SadFlags{UseAntiReplay: true, IsTunnel: tunnel},
	}
	if tunnel {
		c.TunnelSrc = net.ParseIP("192.0.2.1")
		c.TunnelDst = net.ParseIP("198.51.100.1")
	}
	e, err := sad.Validate(c)
	require.NoError(t, err)
	_, err = db.Add(e)
	require.NoError(t, err)
}

func TestShardRouting(t *testing.T) {
	dp := New(newDB(t), ipsec.NewProcessor(nil), Config{Shards: 4}, nil, nil)

	idx, err := dp.ShardFor(&Packet{Dir: Outbound, SadID: 7})
	require.NoError(t, err)
	assert.Equal(t, 3, idx)

	esp := []byte{0, 0, 0, 10, 0, 0, 0, 1}
	idx, err = dp.ShardFor(&Packet{Dir: Inbound, Proto: ipsec.ProtoESP, Data: esp})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = dp.ShardFor(&Packet{Dir: Inbound, Proto: ipsec.ProtoESP, Data: []byte{1}})
	assert.ErrorIs(t, err, ipsec.ErrMalformed)
}

// TestProcessLoopback 同一个 DB 里的 SA 出站后再入站
func TestProcessLoopback(t *testing.T) {
	db := newDB(t)
	addSA(t, db, 1, 0x1001, true)
	addSA(t, db, 2, 0x1002, false)
	dp := New(db, ipsec.NewProcessor(nil), DefaultConfig(), nil, nil)

	r := db.NewReader()
	defer r.Unregister()
	r.Enter()
	defer r.Exit()

	for _, tc := range []struct {
		id  uint32
		dst net.IP
	}{
		{1, net.ParseIP("198.51.100.1")},
		{2, net.ParseIP("203.0.113.5")}, // 传输模式按空目的地址匹配
	} {
		plain := []byte{0x45, 0, 0, 20, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
		out := dp.Process(&Packet{Dir: Outbound, SadID: tc.id, NextHeader: ipsec.ProtoIPv4, Data: plain})
		require.NoError(t, out.Err)
		assert.Equal(t, tc.id, out.SadID)

		in := dp.Process(&Packet{Dir: Inbound, Proto: ipsec.ProtoESP, Dst: tc.dst, Data: out.Out})
		require.NoError(t, in.Err)
		assert.Equal(t, tc.id, in.SadID)
		assert.True(t, bytes.Equal(plain, in.Out))
		assert.Equal(t, ipsec.ProtoIPv4, in.NextHeader)
	}
}

func TestProcessNoSA(t *testing.T) {
	db := newDB(t)
	dp := New(db, ipsec.NewProcessor(nil), DefaultConfig(), nil, nil)

	res := dp.Process(&Packet{Dir: Outbound, SadID: 99})
	assert.ErrorIs(t, res.Err, sad.ErrNotFound)

	res = dp.Process(&Packet{Dir: Inbound, Proto: ipsec.ProtoESP, Data: make([]byte, 40)})
	assert.ErrorIs(t, res.Err, ErrNoSA)
}

// TestWorkersDeliverAndReportExhaustion 分片 worker 处理报文，计数器用尽时通知
func TestWorkersDeliverAndReportExhaustion(t *testing.T) {
	db := newDB(t)
	addSA(t, db, 5, 0x5005, true)
	h, err := db.LookupByID(5)
	require.NoError(t, err)
	require.NoError(t, h.Seq().Send.Set(0xFFFFFFFF))

	results := make(chan Result, 8)
	exhausted := make(chan uint32, 8)
	dp := New(db, ipsec.NewProcessor(nil), Config{Shards: 2, QueueDepth: 8, BatchSize: 4},
		func(r Result) { results <- r },
		func(id uint32) { exhausted <- id })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dp.Start(ctx)
	defer dp.Stop()

	for i := 0; i < 2; i++ {
		require.True(t, dp.Submit(&Packet{Dir: Outbound, SadID: 5, NextHeader: ipsec.ProtoIPv4, Data: []byte{0x45, 0, 0, 4}}))
	}

	var ok, failed int
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.Err == nil {
				ok++
			} else {
				assert.ErrorIs(t, r.Err, seq.ErrSequenceExhausted)
				failed++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for result")
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	select {
	case id := <-exhausted:
		assert.Equal(t, uint32(5), id)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion not reported")
	}

	var processed, dropped uint64
	for _, s := range dp.Stats() {
		processed += s.Processed
		dropped += s.Dropped
	}
	assert.Equal(t, uint64(1), processed)
	assert.Equal(t, uint64(1), dropped)
}

// TestStopUnregistersReaders 停止后分片不再阻挡回收
func TestStopUnregistersReaders(t *testing.T) {
	db := newDB(t)
	addSA(t, db, 1, 0x10, false)
	dp := New(db, ipsec.NewProcessor(nil), Config{Shards: 3}, nil, nil)
	dp.Start(context.Background())
	dp.Stop()

	require.NoError(t, db.Remove(1))
	assert.Equal(t, 0, db.Domain().Pending())
}

func TestSubmitQueueFull(t *testing.T) {
	db := newDB(t)
	dp := New(db, ipsec.NewProcessor(nil), Config{Shards: 1, QueueDepth: 1}, nil, nil)
	// 未启动，队列不会被消费
	assert.True(t, dp.Submit(&Packet{Dir: Outbound, SadID: 1}))
	assert.False(t, dp.Submit(&Packet{Dir: Outbound, SadID: 1}))
	assert.Equal(t, uint64(1), dp.Stats()[0].QueueFull)
}

// TestSubmitRoundTrip 出站结果经 UDP 封装后再从入站提交
func TestSubmitRoundTrip(t *testing.T) {
	db := newDB(t)
	key, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	e, err := sad.Validate(sad.Candidate{
		SadID: 11, SPI: 0xb00b, Protocol: sad.ProtoESP,
		Crypto: sad.CryptoAESCBC128, CryptoKey: sad.NewKey(key),
		Integ: sad.IntegSHA256128, IntegKey: sad.NewKey(bytes.Repeat([]byte{1}, 32)),
		Flags:     sad.SadFlags{UseAntiReplay: true, UseESN: true, IsTunnel: true, UDPEncap: true},
		TunnelSrc: net.ParseIP("192.0.2.1"),
		TunnelDst: net.ParseIP("198.51.100.11"),
	})
	require.NoError(t, err)
	_, err = db.Add(e)
	require.NoError(t, err)

	results := make(chan Result, 4)
	dp := New(db, ipsec.NewProcessor(nil), Config{Shards: 3}, func(r Result) { results <- r }, nil)
	dp.Start(context.Background())
	defer dp.Stop()

	next := func() Result {
		select {
		case r := <-results:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for result")
		}
		return Result{}
	}

	inner := []byte{0x60, 0, 0, 0, 0, 8, 17, 64}
	require.True(t, dp.SubmitOutbound(11, ipsec.ProtoIPv6, inner))
	out := next()
	require.NoError(t, out.Err)

	require.True(t, dp.SubmitInbound(net.ParseIP("198.51.100.11"), ipsec.ProtoESP, true, out.Out))
	in := next()
	require.NoError(t, in.Err)
	assert.Equal(t, inner, in.Out)
	assert.Equal(t, ipsec.ProtoIPv6, in.NextHeader)

	// 同一报文再次提交被窗口拒绝
	require.True(t, dp.SubmitInbound(net.ParseIP("198.51.100.11"), ipsec.ProtoESP, true, out.Out))
	assert.ErrorIs(t, next().Err, seq.ErrDuplicate)
}
