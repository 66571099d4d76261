package viewgraph

import (
	"testing"

	"github.com/cuemby/bbp/pkg/bbp"
	"github.com/cuemby/bbp/pkg/farm"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) *bbp.Pool {
	t.Helper()
	dir := t.TempDir()
	p := bbp.New(bbp.Config{DataDir: dir})
	_, err := p.AddFarm(dir, farm.RolePersistent|farm.RoleTransient)
	require.NoError(t, err)
	require.NoError(t, p.Init(true))
	t.Cleanup(func() { p.Exit() })
	return p
}

func TestRenderIncludesOrphanAndView(t *testing.T) {
	p := newTestPool(t)

	parentID, err := p.Insert(&bbp.Descriptor{Type: "int", Width: 4}, farm.RolePersistent)
	require.NoError(t, err)
	_, err = p.Rename(parentID, "parent")
	require.NoError(t, err)

	viewID, err := p.Insert(&bbp.Descriptor{Type: "int", Width: 4, ParentID: parentID}, farm.RolePersistent)
	require.NoError(t, err)
	_, err = p.Rename(viewID, "child_view")
	require.NoError(t, err)
	require.NoError(t, p.Share(parentID))

	out, err := Render(p)
	require.NoError(t, err)
	require.Contains(t, out, "parent")
	require.Contains(t, out, "child_view")
	require.Contains(t, out, "view of")
}
