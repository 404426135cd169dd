package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/framesync/uploader/internal/domain"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "upload", "status"}, names)

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "./uploader/configs/local.yaml", flag.DefValue)
}

func TestUploadRequiresID(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"upload"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	require.Error(t, root.Execute())
}

func TestPrintTable(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, printTable(cmd, []domain.Submission{
		{ID: "s1", Status: domain.StatusUploading, ProcessingProgress: 100, UploadProgress: 67, UpdatedAt: time.Now()},
		{ID: "s2", Status: domain.StatusError, Error: "credentials expired"},
	}))

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[1]), "uploading")
	assert.Contains(t, string(lines[1]), "67%")
	assert.Contains(t, string(lines[2]), "credentials expired")
}
