package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/emilykmarx/selfsame/checker"
	"github.com/emilykmarx/selfsame/introspect"
	"github.com/emilykmarx/selfsame/introspect/dlvhost"
	"github.com/emilykmarx/selfsame/introspect/hosttest"
	"github.com/mattn/go-isatty"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	config_file := flag.String("config", "", "Config file (flags override it)")
	endpoint := flag.String("endpoint", "", "Delve server endpoint")
	probe_depth := flag.Int("probe_depth", 0, "Frame depth for the single-frame location query")
	max_frames := flag.Int("max_frames", 0, "Frame limit for the stack trace query")
	lock_order := flag.String("lock_order", "", "How to compare owned-lock lists: positional or unordered")
	finding_log_file := flag.String("finding_log_file", "", "Filename for finding log")
	stack_graph_file := flag.String("stack_graph_file", "", "Filename for stack divergence graph")
	json_out := flag.Bool("json", false, "Print the report as canonicalized JSON instead of a summary")
	self_test := flag.Bool("self_test", false, "Run the battery against the built-in scripted host")
	flag.Parse()

	config := &checker.Config{}
	if *config_file != "" {
		var err error
		config, err = checker.LoadConfig(*config_file)
		if err != nil {
			log.Panicf("loading config: %v\n", err.Error())
		}
	}
	if *endpoint != "" {
		config.Server_endpoint = *endpoint
	}
	if *probe_depth != 0 {
		config.Probe_depth = *probe_depth
	}
	if *max_frames != 0 {
		config.Max_frames = *max_frames
	}
	if *lock_order != "" {
		config.Lock_order = checker.LockOrder(*lock_order)
	}
	if *finding_log_file != "" {
		config.Finding_log_filename = *finding_log_file
	}
	if *stack_graph_file != "" {
		config.Stack_graph_filename = *stack_graph_file
	}

	var host introspect.Introspector
	var dlv *dlvhost.Host
	if *self_test {
		host = hosttest.New(hosttest.Healthy())
	} else {
		if config.Server_endpoint == "" {
			log.Fatalf("need -endpoint (or server_endpoint in config), or -self_test\n")
		}
		var err error
		dlv, err = dlvhost.Attach(config.Server_endpoint)
		if err != nil {
			log.Panicf("attaching to %v: %v\n", config.Server_endpoint, err.Error())
		}
		host = dlv
	}

	c, err := checker.New(config, host)
	if err != nil {
		log.Panicf("checker.New: %v\n", err.Error())
	}
	report, err := c.RunAll()
	if err != nil {
		log.Fatalf("running battery: %v\n", err.Error())
	}

	if dlv != nil {
		if !*json_out {
			if cur, err := dlv.CurrentThread(); err == nil {
				fmt.Printf("probed %v\n", dlv.ThreadDesc(cur))
			}
		}
		dlv.Detach(false)
	}

	if *json_out {
		out, err := report.CanonicalJSON()
		if err != nil {
			log.Panicf("encoding report: %v\n", err.Error())
		}
		fmt.Println(string(out))
	} else {
		printSummary(report)
	}
	if !report.Passed() {
		os.Exit(1)
	}
}

func printSummary(report *checker.Report) {
	decorated := isatty.IsTerminal(os.Stdout.Fd())
	for _, qo := range report.Queries {
		if decorated {
			mark := "    "
			switch qo.Outcome {
			case checker.Passed:
				mark = " ok "
			case checker.Failed:
				mark = "FAIL"
			case checker.Skipped:
				mark = "skip"
			}
			fmt.Printf("[%v] %v\n", mark, qo.Query)
		} else {
			fmt.Printf("%v: %v\n", qo.Query, qo.Outcome)
		}
	}
	for _, f := range report.Findings {
		fmt.Printf("  %v %v\n", f.Query, f)
	}
	if report.Passed() {
		fmt.Printf("PASS: sentinel and explicit handles agree\n")
	} else {
		fmt.Printf("FAIL: %v finding(s)\n", len(report.Findings))
	}
}
