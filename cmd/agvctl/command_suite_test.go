package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/radio/radiotest"
	"github.com/srg/agvlink/pkg/config"
)

const testAGV = "agv-01"

// CommandTestSuite runs agvctl commands against a fake radio that advertises
// one AGV and answers like one.
type CommandTestSuite struct {
	suite.Suite
	radio   *radiotest.Fake
	profile *radiotest.Profile

	origFactory     func(*config.Config, *logrus.Logger) radio.Radio
	origAdapterWait time.Duration
	origNoColor     bool
}

func agvProfile() *radiotest.Profile {
	p := radiotest.AGVProfile()
	p.Adapter = radio.AdapterPoweredOn
	p.Advertisements = []radio.PeripheralDiscovered{
		{ID: testAGV, Advertisement: radio.Advertisement{LocalName: "AGV-01", RSSI: -48, Connectable: true}},
		{ID: "sensor-7", Advertisement: radio.Advertisement{RSSI: -80}},
	}
	return p
}

func (s *CommandTestSuite) SetupTest() {
	s.origFactory = radioFactory
	s.origAdapterWait = adapterWait
	s.origNoColor = color.NoColor

	color.NoColor = true
	adapterWait = 2 * time.Second

	s.radio = radiotest.New()
	s.profile = agvProfile()
	s.radio.SetProfile(s.profile)
	radioFactory = func(*config.Config, *logrus.Logger) radio.Radio { return s.radio }
}

func (s *CommandTestSuite) TearDownTest() {
	radioFactory = s.origFactory
	adapterWait = s.origAdapterWait
	color.NoColor = s.origNoColor
}

// Execute runs agvctl with args and stdin, returning stdout, stderr and the error.
func (s *CommandTestSuite) Execute(stdin io.Reader, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	root.SetIn(stdin)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

// WriteConfig stores a config file and returns the --config flag for it.
func (s *CommandTestSuite) WriteConfig(body string) string {
	path := filepath.Join(s.T().TempDir(), "agvctl.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o600))
	return "--config=" + path
}

// Written returns the payloads of every command write.
func (s *CommandTestSuite) Written() [][]byte {
	var out [][]byte
	for _, c := range s.radio.CallsTo(radiotest.OpWrite) {
		out = append(out, c.Data)
	}
	return out
}
