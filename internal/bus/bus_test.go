package bus

import "testing"

func TestTopicKeys(t *testing.T) {
	cfg := Config{TopicPrefix: "/mesh"}
	cfg.applyDefaults()
	b := &EtcdBus{cfg: cfg, localID: "node-a"}

	cases := map[string]string{
		b.broadcastTopic():  "/mesh/broadcast",
		b.nodeTopic("n2"):   "/mesh/node/n2",
		b.metaKey("node-a"): "/mesh/meta/node-a",
		b.actorKey("a1"):    "/mesh/actor/a1",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("key %q, want %q", got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.TopicPrefix != "/portalmesh" {
		t.Errorf("default prefix %q", cfg.TopicPrefix)
	}
	if cfg.DialTimeout == 0 || cfg.OpTimeout == 0 {
		t.Error("timeouts not defaulted")
	}
}
