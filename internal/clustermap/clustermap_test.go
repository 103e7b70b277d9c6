// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package clustermap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbd/store"
	"github.com/asch/rbd/store/mem"
)

func TestFetchBootstraps(t *testing.T) {
	ctx := context.Background()
	s := mem.New()

	_, err := Fetch(ctx, s, nil, false)
	assert.ErrorIs(t, err, store.ErrNotExist)

	m, err := Fetch(ctx, s, []string{"mon-a"}, true)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, m.Protocol)
	assert.Equal(t, []string{"mon-a"}, m.Monitors)

	again, err := Fetch(ctx, s, nil, true)
	require.NoError(t, err)
	assert.Equal(t, m.FSID, again.FSID)
}

func TestDecodeChecksProtocol(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name: "compatible minor",
			doc:  "fsid: 6f1c2a9e-4d4b-4f0e-9a59-0f1b6f6c2d11\nprotocol: 1.4.2\n",
		},
		{
			name:    "next major",
			doc:     "fsid: 6f1c2a9e-4d4b-4f0e-9a59-0f1b6f6c2d11\nprotocol: 2.0.0\n",
			wantErr: ErrIncompatible,
		},
		{
			name:    "garbage version",
			doc:     "fsid: 6f1c2a9e-4d4b-4f0e-9a59-0f1b6f6c2d11\nprotocol: banana\n",
			wantErr: ErrIncompatible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := Decode([]byte("fsid: nope\nprotocol: 1.0.0\n"))
	assert.Error(t, err)
}
