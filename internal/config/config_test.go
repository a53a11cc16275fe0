package config

import (
	"testing"

	gc "github.com/go-check/check"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func Test(t *testing.T) { gc.TestingT(t) }

type ConfigSuite struct{}

var _ = gc.Suite(&ConfigSuite{})

func (s *ConfigSuite) TestLoadAppliesDefaults(c *gc.C) {
	var fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	c.Assert(fs.Parse([]string{"--etcd-endpoints=127.0.0.1:2379"}), gc.IsNil)

	var v = viper.New()
	c.Assert(v.BindPFlags(fs), gc.IsNil)

	var cfg, err = Load(v)
	c.Assert(err, gc.IsNil)
	c.Check(cfg.IOPort, gc.Equals, defaultIOPort)
	c.Check(cfg.RebuildPort, gc.Equals, defaultRebuildPort)
	c.Check(cfg.StepSize, gc.Equals, uint64(defaultStepSize))
	c.Check(cfg.EtcdEndpoints, gc.DeepEquals, []string{"127.0.0.1:2379"})
}

func (s *ConfigSuite) TestValidateRejectsSamePorts(c *gc.C) {
	var cfg = Config{IOPort: 9000, RebuildPort: 9000, StepSize: 1, EtcdEndpoints: []string{"x"}, WorkerCount: 1}
	c.Assert(cfg.Validate(), gc.NotNil)
}

func (s *ConfigSuite) TestValidateRejectsNoEtcdEndpoints(c *gc.C) {
	var cfg = Config{IOPort: 9000, RebuildPort: 9001, StepSize: 1, WorkerCount: 1}
	c.Assert(cfg.Validate(), gc.NotNil)
}

func (s *ConfigSuite) TestValidateAcceptsSaneConfig(c *gc.C) {
	var cfg = Config{IOPort: 9000, RebuildPort: 9001, StepSize: 1, EtcdEndpoints: []string{"x"}, WorkerCount: 1}
	c.Assert(cfg.Validate(), gc.IsNil)
}
