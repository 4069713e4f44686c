package mqtt_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/navicane/navi/helpers"
	"github.com/navicane/navi/log2"
	"github.com/navicane/navi/tele/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefaultTimeout = 1000 * time.Millisecond

type tenv struct {
	t    testing.TB
	ctx  context.Context
	log  *log2.Log
	s    *mqtt.Server
	addr string
	rand *rand.Rand
}

func TestServer(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*tenv)
		check func(*tenv)
	}{
		{name: "invalid-credentials", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = false
			pktConnect.ClientID = "cli"
			pktConnect.Username = "unknown"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.False(env.t, pktConnack.SessionPresent)
			assert.Equal(env.t, packet.NotAuthorized, pktConnack.ReturnCode)
		}},
		{name: "empty-clientid", check: func(env *tenv) {
			conn := connDial(env)
			pktConnect := packet.NewConnect()
			pktConnect.CleanSession = true
			pktConnect.Username = "testuser"
			pktConnect.Password = "testsecret"
			require.NoError(env.t, conn.Send(pktConnect, false))
			pktConnack := connReceive(env, conn).(*packet.Connack)
			assert.Equal(env.t, packet.IdentifierRejected, pktConnack.ReturnCode)
		}},
		{name: "accepted-clean", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "cane-1", nil)
			require.Eventually(env.t, func() bool {
				return len(env.s.Clients()) == 1
			}, testDefaultTimeout, 10*time.Millisecond)
			assert.Equal(env.t, []string{"cane-1"}, env.s.Clients())
		}},
		{name: "sub-qos0", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			msgout := packet.Message{Topic: "test/data", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"lat":1,"lon":2}`)}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
		}},
		{name: "sub-qos1-pub-qos0", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtLeastOnce}})
			msgout := packet.Message{Topic: "device/NaviCane/alerts", QOS: packet.QOSAtMostOnce, Payload: []byte(`{"message":"fall"}`)}
			connPublish(env, conn, msgout)
			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, msgout.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)
			require.Equal(env.t, packet.QOSAtLeastOnce, pktPublish.Message.QOS)
			connPuback(env, conn, pktPublish.ID)
			time.Sleep(testDefaultTimeout / 2)
		}},
		{name: "pub-qos1-puback", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connPublish(env, conn, packet.Message{Topic: "test/data", QOS: packet.QOSAtLeastOnce, Payload: []byte("{}")})
			assert.Equal(env.t, uint64(1), env.s.Published())
		}},
		{name: "retained", check: func(env *tenv) {
			pub := connDial(env)
			connConnect(env, pub, "", nil)
			msgout := packet.Message{Topic: "test/data", QOS: packet.QOSAtMostOnce, Retain: true, Payload: []byte(`{"lat":3.5,"lon":4.5}`)}
			connPublish(env, pub, msgout)
			require.Eventually(env.t, func() bool {
				return len(env.s.Retain()) == 1
			}, testDefaultTimeout, 10*time.Millisecond)

			sub := connDial(env)
			connConnect(env, sub, "", nil)
			connSubscribe(env, sub, []packet.Subscription{{Topic: "test/+", QOS: packet.QOSAtMostOnce}})
			pktPublish := connReceive(env, sub).(*packet.Publish)
			assert.True(env.t, pktPublish.Message.Retain)
			assert.Equal(env.t, msgout.Payload, pktPublish.Message.Payload)

			// empty retained payload clears
			connPublish(env, pub, packet.Message{Topic: "test/data", Retain: true})
			require.Eventually(env.t, func() bool {
				return len(env.s.Retain()) == 0
			}, testDefaultTimeout, 10*time.Millisecond)
		}},
		{name: "unsubscribe", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})
			pktUnsubscribe := packet.NewUnsubscribe()
			pktUnsubscribe.ID = 7
			pktUnsubscribe.Topics = []string{"#"}
			require.NoError(env.t, conn.Send(pktUnsubscribe, false))
			pktUnsuback := connReceive(env, conn).(*packet.Unsuback)
			assert.Equal(env.t, packet.ID(7), pktUnsuback.ID)
			err := env.s.Publish(env.ctx, &packet.Message{Topic: "test/data", Payload: []byte("{}")})
			assert.Equal(env.t, mqtt.ErrNoSubscribers, err)
		}},
		{name: "will", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "device/NaviCane/alerts", Payload: []byte(`{"message":"cane offline"}`)}
			connConnect(env, connTrigger, "", will)
			require.NoError(env.t, connTrigger.Close())

			pktPublish := connReceive(env, conn).(*packet.Publish)
			assert.Equal(env.t, will.Topic, pktPublish.Message.Topic)
			assert.Equal(env.t, will.Payload, pktPublish.Message.Payload)
			require.Equal(env.t, packet.QOSAtMostOnce, pktPublish.Message.QOS)
		}},
		{name: "disconnect-clean", check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			connSubscribe(env, conn, []packet.Subscription{{Topic: "#", QOS: packet.QOSAtMostOnce}})

			connTrigger := connDial(env)
			will := &packet.Message{Topic: "device/NaviCane/alerts", Payload: []byte("bye"), Retain: true}
			connConnect(env, connTrigger, "", will)
			connDisconnect(env, connTrigger)
			require.NoError(env.t, connTrigger.Close())

			time.Sleep(testDefaultTimeout / 4)
			require.Len(env.t, env.s.Retain(), 0)
		}},
		{name: "clientid-overtake", check: func(env *tenv) {
			connOld := connDial(env)
			connConnect(env, connOld, "cane", nil)
			connNew := connDial(env)
			connConnect(env, connNew, "cane", nil)
			_, err := connOld.Receive()
			require.Error(env.t, err)
			require.Eventually(env.t, func() bool {
				ids := env.s.Clients()
				return len(ids) == 1 && ids[0] == "cane"
			}, testDefaultTimeout, 10*time.Millisecond)
		}},
		{name: "custom-onpublish", setup: func(env *tenv) {
			sopt := mqtt.ServerOptions{
				OnAuth: mqtt.AuthAllowAll,
				OnPublish: func(ctx context.Context, msg *packet.Message, ack *future.Future) error {
					env.log.Infof("OnPublish msg=%s", mqtt.MessageString(msg))
					ack.Cancel(fmt.Errorf("reject"))
					return nil
				},
			}
			testServerSetup(env, sopt)
		}, check: func(env *tenv) {
			conn := connDial(env)
			connConnect(env, conn, "", nil)
			pktPublish := packet.NewPublish()
			pktPublish.ID = 3
			pktPublish.Message = packet.Message{Topic: "test/data", QOS: packet.QOSAtLeastOnce, Payload: []byte("{}")}
			require.NoError(env.t, conn.Send(pktPublish, false))
			// rejected publish drops connection without PUBACK
			_, err := conn.Receive()
			require.Error(env.t, err)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				t:    t,
				ctx:  context.Background(),
				log:  log2.NewTest(t, log2.LDebug),
				rand: helpers.RandUnix(),
			}
			if os.Getenv("navi_test_log_stderr") == "1" {
				env.log = log2.NewStderr(log2.LDebug) // useful with panics
			}
			env.log.SetFlags(log2.LTestFlags)
			if c.setup == nil {
				c.setup = testServerDefaultSetup
			}
			defer func() {
				assert.NoError(t, env.s.Close())
			}()
			c.setup(env)
			c.check(env)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(mqtt.ServerOptions{OnPublish: func(ctx context.Context, msg *packet.Message, ack *future.Future) error {
		t.Error("unexpected call OnPublish")
		return nil
	}})
	require.NoError(t, s.Close())
	lopts := []*mqtt.BackendOptions{{URL: "tcp://localhost:"}}
	err := s.Listen(context.Background(), lopts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestServerListenErrors(t *testing.T) {
	t.Parallel()

	s := mqtt.NewServer(mqtt.ServerOptions{Log: log2.NewTest(t, log2.LDebug)})
	defer s.Close()
	err := s.Listen(context.Background(), []*mqtt.BackendOptions{
		{URL: "tls://localhost:"},
		{URL: "http://localhost:"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without TLS config")
	assert.Contains(t, err.Error(), "unsupported listen url=http://localhost:")
}

func TestAuthFromMap(t *testing.T) {
	t.Parallel()

	auth := mqtt.AuthFromMap(map[string]string{"cane": "pass"})
	cases := []struct {
		username, password string
		expect             bool
	}{
		{"cane", "pass", true},
		{"cane", "wrong", false},
		{"other", "pass", false},
		{"", "", false},
	}
	for _, c := range cases {
		pkt := packet.NewConnect()
		pkt.Username = c.username
		pkt.Password = c.password
		ok, err := auth(context.Background(), nil, pkt)
		require.NoError(t, err)
		assert.Equal(t, c.expect, ok, "username=%s password=%s", c.username, c.password)
	}
}

func newTestServer(env *tenv, opt mqtt.ServerOptions, lopts []*mqtt.BackendOptions) (*mqtt.Server, string) {
	if opt.Log == nil {
		opt.Log = env.log
	}
	s := mqtt.NewServer(opt)
	require.NoError(env.t, s.Listen(context.Background(), lopts))
	addrs := s.Addrs()
	require.Equal(env.t, len(lopts), len(addrs))
	firstAddr := ""
	if len(addrs) >= 1 {
		firstAddr = addrs[0]
	}
	return s, firstAddr
}

// default OnPublish routes messages to subscribers
func testServerDefaultSetup(env *tenv) {
	testServerSetup(env, mqtt.ServerOptions{
		OnAuth: mqtt.AuthFromMap(map[string]string{"testuser": "testsecret"}),
	})
}

func testServerSetup(env *tenv, sopt mqtt.ServerOptions) {
	lopts := []*mqtt.BackendOptions{
		{
			URL:            "tcp://localhost:",
			NetworkTimeout: testDefaultTimeout,
		}}
	env.s, env.addr = newTestServer(env, sopt, lopts)
}

func connDial(env *tenv) transport.Conn {
	addr := "tcp://" + env.addr
	c, err := transport.Dial(addr)
	require.NoError(env.t, err)
	env.log.Infof("testClient dial %s", addr)
	c.SetReadTimeout(testDefaultTimeout)
	return c
}

func connConnect(env *tenv, c transport.Conn, id string, will *packet.Message) {
	if id == "" {
		id = fmt.Sprintf("cli%d", env.rand.Int31())
	}
	pktConnect := packet.NewConnect()
	pktConnect.CleanSession = true
	pktConnect.ClientID = id
	pktConnect.Username = "testuser"
	pktConnect.Password = "testsecret"
	pktConnect.Will = will
	require.NoError(env.t, c.Send(pktConnect, false))
	env.log.Infof("testClient sent %s", pktConnect.String())
	pktConnack := connReceive(env, c).(*packet.Connack)
	assert.False(env.t, pktConnack.SessionPresent)
	assert.Equal(env.t, packet.ConnectionAccepted, pktConnack.ReturnCode)
}

func connPublish(env *tenv, c transport.Conn, msg packet.Message) {
	pktPublish := packet.NewPublish()
	pktPublish.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktPublish.Message = msg
	require.NoError(env.t, c.Send(pktPublish, false))
	env.log.Infof("testClient sent %s", mqtt.PacketString(pktPublish))
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return

	case packet.QOSAtLeastOnce:
		pktPuback := connReceive(env, c).(*packet.Puback)
		assert.Equal(env.t, pktPublish.ID, pktPuback.ID)

	default:
		panic("code error qos=2 not supported")
	}
}

func connReceive(env *tenv, c transport.Conn) packet.Generic {
	pkt, err := c.Receive()
	env.log.Infof("testClient recv pkt=%s err=%v", mqtt.PacketString(pkt), err)
	require.NoError(env.t, err)
	return pkt
}

func connSubscribe(env *tenv, c transport.Conn, subs []packet.Subscription) {
	pktSubscribe := packet.NewSubscribe()
	pktSubscribe.ID = packet.ID(env.rand.Uint32()%(1<<16-1) + 1)
	pktSubscribe.Subscriptions = subs
	require.NoError(env.t, c.Send(pktSubscribe, false))
	env.log.Infof("testClient sent %s", pktSubscribe.String())
	pktSuback := connReceive(env, c).(*packet.Suback)
	expect := make([]packet.QOS, 0, len(subs))
	for _, sub := range subs {
		expect = append(expect, sub.QOS)
	}
	assert.Equal(env.t, expect, pktSuback.ReturnCodes)
}

func connPuback(env *tenv, c transport.Conn, id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(env.t, c.Send(pkt, false))
	env.log.Infof("testClient sent %s", pkt.String())
}

func connDisconnect(env *tenv, c transport.Conn) {
	pkt := packet.NewDisconnect()
	require.NoError(env.t, c.Send(pkt, false))
	env.log.Infof("testClient sent %s", pkt.String())
}
