package contracts

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageDocAttached(t *testing.T) {
	f, err := parser.ParseFile(token.NewFileSet(), "grpc.go", nil, parser.PackageClauseOnly|parser.ParseComments)
	require.NoError(t, err)
	require.NotNil(t, f.Doc, "package comment must precede the package clause")
	assert.True(t, strings.HasPrefix(f.Doc.Text(), "Package contracts "))
}

func TestMethodNames(t *testing.T) {
	for _, m := range []string{MethodUseTool, MethodReadResource, MethodBatchResources, MethodSubscribe} {
		assert.True(t, strings.HasPrefix(m, "/"+GatewayService+"/"), m)
	}
}
