package committee

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

const jsonCommitteePath = "committee.json"

// JSONCommittee is a file-backed committee definition. The file contains the
// JSON-encoded list of authorities for the current epoch.
type JSONCommittee struct {
	l    sync.Mutex
	path string
}

// NewJSONCommittee creates a JSONCommittee in the given directory.
func NewJSONCommittee(base string) *JSONCommittee {
	path := filepath.Join(base, jsonCommitteePath)
	return &JSONCommittee{
		path: path,
	}
}

// Committee reads the authority list from the file and builds a Committee for
// the given epoch.
func (j *JSONCommittee) Committee(epoch uint64) (*Committee, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	var authorities []*Authority
	dec := json.NewDecoder(bytes.NewBuffer(buf))
	if err := dec.Decode(&authorities); err != nil {
		return nil, err
	}

	return NewCommittee(epoch, authorities), nil
}

// Write persists the committee's authority list to the file.
func (j *JSONCommittee) Write(c *Committee) error {
	j.l.Lock()
	defer j.l.Unlock()

	raw, err := json.MarshalIndent(c.Authorities, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, raw, 0600)
}
