package intf

import (
	"fmt"
	"regexp"
	"strings"

	"Netemu/api"
	"Netemu/pkg/emuerr"
)

const (
	// MaxBw is the largest accepted bandwidth in Mbit/s.
	MaxBw = 1000

	rootParent = "root"
)

var timeRegexp = regexp.MustCompile(`^\d+(\.\d+)?(us|usec|ms|msec|s|sec)?$`)

// Chain is the list of tc commands that shape one interface, in order.
type Chain struct {
	Commands []string
	// Parent is where a further qdisc would attach: "root", "parent 5:1"
	// or "parent 6:" once the chain has been applied.
	Parent   string
	Warnings []error
}

// Result is what Configure did to an interface.
type Result struct {
	Chain
	Outputs    []string
	StepErrors []error
}

// Plan builds the shaping chain of dev. current is the output of
// `tc qdisc show dev <dev>`; an existing non default root qdisc is deleted
// first. netem, when present, is always the last command.
func Plan(dev string, props api.LinkProperties, current string) Chain {
	c := Chain{Parent: rootParent}
	if !strings.Contains(current, "priomap") && !strings.Contains(current, "noqueue") {
		c.Commands = append(c.Commands, fmt.Sprintf("tc qdisc del dev %s root", dev))
	}
	c.bandwidth(dev, props)
	c.netem(dev, props)
	return c
}

func (c *Chain) warn(dev, param string, value any, reason string) {
	c.Warnings = append(c.Warnings, &emuerr.ConfigurationWarning{
		Intf: dev, Param: param, Value: value, Reason: reason,
	})
}

func (c *Chain) add(format string, v ...interface{}) {
	c.Commands = append(c.Commands, fmt.Sprintf(format, v...))
}

func (c *Chain) bandwidth(dev string, props api.LinkProperties) {
	if props.Bw == nil {
		if props.EnableECN || props.EnableRED {
			c.warn(dev, "enableECN/enableRED", true, "needs bw")
		}
		return
	}
	bw := *props.Bw
	if bw <= 0 || bw > MaxBw {
		c.warn(dev, "bw", bw, fmt.Sprintf("must be in (0, %d] Mbit/s", MaxBw))
		return
	}

	switch props.Discipline {
	case api.HFSC:
		c.add("tc qdisc add dev %s root handle 5:0 hfsc default 1", dev)
		c.add("tc class add dev %s parent 5:0 classid 5:1 hfsc sc rate %fMbit ul rate %fMbit", dev, bw, bw)
	case api.TBF:
		latency := 15.0 * 8 / bw
		if props.LatencyMs != nil {
			latency = *props.LatencyMs
		}
		c.add("tc qdisc add dev %s root handle 5: tbf rate %fMbit burst 15000 latency %fms", dev, bw, latency)
	default:
		c.add("tc qdisc add dev %s root handle 5:0 htb default 1", dev)
		c.add("tc class add dev %s parent 5:0 classid 5:1 htb rate %fMbit burst 15k", dev, bw)
	}
	c.Parent = "parent 5:1"

	// ECN takes precedence when both are asked for
	switch {
	case props.EnableECN:
		c.add("tc qdisc add dev %s %s handle 6: red limit 1000000 min 30000 max 35000 avpkt 1500 burst 20 bandwidth %fmbit probability 1 ecn",
			dev, c.Parent, bw)
		c.Parent = "parent 6:"
	case props.EnableRED:
		c.add("tc qdisc add dev %s %s handle 6: red limit 1000000 min 20000 max 25000 avpkt 1000 burst 20 bandwidth %fmbit probability 1",
			dev, c.Parent, bw)
		c.Parent = "parent 6:"
	}
}

func (c *Chain) netem(dev string, props api.LinkProperties) {
	var args []string
	if props.Delay != "" {
		if timeRegexp.MatchString(props.Delay) {
			args = append(args, "delay "+props.Delay)
			if props.Jitter != "" {
				if timeRegexp.MatchString(props.Jitter) {
					args = append(args, props.Jitter)
				} else {
					c.warn(dev, "jitter", props.Jitter, "not a tc time")
				}
			}
		} else {
			c.warn(dev, "delay", props.Delay, "not a tc time")
		}
	} else if props.Jitter != "" {
		c.warn(dev, "jitter", props.Jitter, "needs delay")
	}
	if props.Loss != 0 {
		if props.Loss < 0 || props.Loss > 100 {
			c.warn(dev, "loss", props.Loss, "must be in [0, 100] %, netem skipped")
			return
		}
		args = append(args, fmt.Sprintf("loss %.5f", props.Loss))
	}
	if props.MaxQueueSize > 0 {
		args = append(args, fmt.Sprintf("limit %d", props.MaxQueueSize))
	} else if props.MaxQueueSize < 0 {
		c.warn(dev, "maxQueueSize", props.MaxQueueSize, "must be positive")
	}
	if len(args) == 0 {
		return
	}
	c.add("tc qdisc add dev %s %s handle 10: netem %s", dev, c.Parent, strings.Join(args, " "))
	c.Parent = "parent 10:"
}

// Offload is the command that turns off segmentation offloads, which
// would otherwise hide the shaping from tc.
func Offload(dev string) string {
	return fmt.Sprintf("ethtool -K %s gro off tso off gso off tx off rx off", dev)
}

// shape applies props to the interface and records them.
func (i *Interface) shape(props api.LinkProperties) (*Result, error) {
	res := &Result{}
	if out, err := i.cmd("%s", Offload(i.name)); err != nil {
		return nil, err
	} else if out != "" {
		i.logger.Debugf("ethtool: %s", strings.TrimSpace(out))
	}
	if !props.Shaped() {
		i.props = props
		res.Parent = rootParent
		return res, nil
	}

	current, err := i.cmd("tc qdisc show dev %s", i.name)
	if err != nil {
		return nil, err
	}
	res.Chain = Plan(i.name, props, current)
	for _, w := range res.Warnings {
		i.logger.Warn(w.Error())
	}
	for _, line := range res.Commands {
		out, err := i.owner.Cmd(line)
		if err != nil {
			return res, err
		}
		res.Outputs = append(res.Outputs, out)
		if out != "" {
			step := &emuerr.ShapingStepError{Intf: i.name, Command: line, Output: out}
			i.logger.Error(step.Error())
			res.StepErrors = append(res.StepErrors, step)
		}
	}
	i.props = props
	i.logger.Infof("%s", Describe(props))
	return res, nil
}

// Describe renders props the way links are summarized in logs and show
// output, e.g. "(5.00Mbit 15ms delay 1.00000% loss)".
func Describe(props api.LinkProperties) string {
	var parts []string
	if props.Bw != nil {
		parts = append(parts, fmt.Sprintf("%.2fMbit", *props.Bw))
	}
	if props.Delay != "" {
		parts = append(parts, props.Delay+" delay")
	}
	if props.Jitter != "" {
		parts = append(parts, props.Jitter+" jitter")
	}
	if props.Loss != 0 {
		parts = append(parts, fmt.Sprintf("%.5f%% loss", props.Loss))
	}
	if props.EnableECN {
		parts = append(parts, "ECN")
	} else if props.EnableRED {
		parts = append(parts, "RED")
	}
	if props.MaxQueueSize > 0 {
		parts = append(parts, fmt.Sprintf("limit %d", props.MaxQueueSize))
	}
	return "(" + strings.Join(parts, " ") + ")"
}
