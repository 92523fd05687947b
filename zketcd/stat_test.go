// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package zketcd

import (
	"context"
	"errors"
	"testing"

	"github.com/etcd-io/zkmirror"
	"github.com/google/go-cmp/cmp"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func rangeOp(kvs ...*mvccpb.KeyValue) *pb.ResponseOp {
	return &pb.ResponseOp{
		Response: &pb.ResponseOp_ResponseRange{ResponseRange: &pb.RangeResponse{Kvs: kvs}},
	}
}

func TestStatTxn(t *testing.T) {
	p := mkPath("/a")
	resp := &clientv3.TxnResponse{
		Header: &pb.ResponseHeader{Revision: 20},
		Responses: []*pb.ResponseOp{
			rangeOp(&mvccpb.KeyValue{Key: []byte(mkPathCTime(p)), Value: []byte(encodeInt64(100)), ModRevision: 5}),
			rangeOp(&mvccpb.KeyValue{Key: []byte(mkPathMTime(p)), Value: []byte(encodeInt64(200)), ModRevision: 9, Version: 3}),
			rangeOp(&mvccpb.KeyValue{Key: []byte(mkPathKey(p)), Value: []byte("data"), Lease: 7}),
			rangeOp(&mvccpb.KeyValue{Key: []byte(mkPathCVer(p)), ModRevision: 12, Version: 3}),
			rangeOp(&mvccpb.KeyValue{Key: []byte(mkPathAVer(p)), Version: 1}),
			rangeOp(
				&mvccpb.KeyValue{Key: []byte(mkPathMTime(mkPath("/a/y")))},
				&mvccpb.KeyValue{Key: []byte(mkPathMTime(mkPath("/a/x")))},
			),
		},
	}
	n := statTxn(p, resp)
	if !n.exists {
		t.Fatalf("expected node to exist")
	}
	want := zkmirror.Stat{
		Czxid:          4,
		Mzxid:          8,
		Pzxid:          11,
		Ctime:          100,
		Mtime:          200,
		Version:        2,
		Cversion:       2,
		EphemeralOwner: 7,
		DataLength:     4,
		NumChildren:    2,
	}
	if diff := cmp.Diff(want, n.stat); diff != "" {
		t.Fatalf("stat mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x", "y"}, n.children); diff != "" {
		t.Fatalf("children mismatch (-want +got):\n%s", diff)
	}
	if string(n.data) != "data" || n.rev != 20 {
		t.Fatalf("expected data %q at rev 20, got %q at %d", "data", n.data, n.rev)
	}
}

func TestStatTxnMissing(t *testing.T) {
	empty := func() *clientv3.TxnResponse {
		resp := &clientv3.TxnResponse{Header: &pb.ResponseHeader{Revision: 3}}
		for i := 0; i < 6; i++ {
			resp.Responses = append(resp.Responses, rangeOp())
		}
		return resp
	}
	if n := statTxn(mkPath("/nope"), empty()); n.exists {
		t.Fatalf("expected missing node, got %+v", n)
	}
	if n := statTxn(rootPath, empty()); !n.exists {
		t.Fatalf("expected root to always exist")
	}
}

func TestEventTypes(t *testing.T) {
	create := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{CreateRevision: 4, ModRevision: 4}}
	modify := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{CreateRevision: 4, ModRevision: 6}}
	del := &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{ModRevision: 7}}
	tests := []struct {
		kind watchKind
		ev   *clientv3.Event
		want zkmirror.EventType
	}{
		{nodeWatch, create, zkmirror.EventNodeCreated},
		{nodeWatch, modify, zkmirror.EventNodeDataChanged},
		{nodeWatch, del, zkmirror.EventNodeDeleted},
		{childWatch, modify, zkmirror.EventNodeChildrenChanged},
		{childWatch, del, zkmirror.EventNodeDeleted},
	}
	for i, tt := range tests {
		if got := ev2evtype(tt.kind, tt.ev); got != tt.want {
			t.Fatalf("#%d: expected %v, got %v", i, tt.want, got)
		}
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{rpctypes.ErrLeaseNotFound, zkmirror.ErrSessionExpired},
		{rpctypes.ErrNoLeader, zkmirror.ErrConnectionLoss},
		{rpctypes.ErrTimeout, zkmirror.ErrTimeout},
		{clientv3.ErrNoAvailableEndpoints, zkmirror.ErrConnectionLoss},
		{status.Error(codes.Unavailable, "down"), zkmirror.ErrConnectionLoss},
		{zkmirror.ErrNoNode, zkmirror.ErrNoNode},
		{context.Canceled, context.Canceled},
	}
	for i, tt := range tests {
		if got := mapErr(tt.err); !errors.Is(got, tt.want) && got != tt.want {
			t.Fatalf("#%d: expected %v, got %v", i, tt.want, got)
		}
	}
}
