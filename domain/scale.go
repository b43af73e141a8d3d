package domain

import (
	"context"
	"fmt"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ScaleForwarder hands instance-count changes to the spawning collaborator, which
// watches /svcmgr/scale/{domain}/ and starts or stops server processes.
type ScaleForwarder struct {
	kv     clientv3.KV
	domain string
}

func NewScaleForwarder(kv clientv3.KV, domain string) *ScaleForwarder {
	return &ScaleForwarder{kv: kv, domain: domain}
}

func scaleKey(domain, alias string) string {
	return rootPrefix + "scale/" + domain + "/" + alias
}

// Scale records the wanted instance count of alias.
func (f *ScaleForwarder) Scale(ctx context.Context, alias string, instances int) error {
	if _, err := f.kv.Put(ctx, scaleKey(f.domain, alias), strconv.Itoa(instances)); err != nil {
		return fmt.Errorf("scale %s: %w", alias, err)
	}
	return nil
}

// Wanted returns the recorded instance count of alias, or false when none was recorded.
func (f *ScaleForwarder) Wanted(ctx context.Context, alias string) (int, bool, error) {
	resp, err := f.kv.Get(ctx, scaleKey(f.domain, alias))
	if err != nil {
		return 0, false, err
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, false, fmt.Errorf("scale %s: %w", alias, err)
	}
	return n, true, nil
}
