//go:build linux

// oomstat prints memory headroom next to the kernel's PSI view at a fast
// cadence, to help pick oomguard thresholds for a workload.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ja7ad/oomguard/pkg/system/meminfo"
)

const (
	pressurePath = "/proc/pressure/memory"
	interval     = 100 * time.Millisecond
)

type pressureVals struct {
	// percent
	someAvg10 float64
	fullAvg10 float64
	// cumulative stall microseconds
	someTotal int64
	fullTotal int64
	// when the values were read
	timestamp time.Time
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	// Measuring memory stalls from a process that itself stalls on memory
	// would be noise; lock our pages like the daemon does.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE | unix.MCL_ONFAULT); err != nil {
		log.Warnf("mlockall: %v. Run as root?", err)
	}

	mem, err := meminfo.NewReader(meminfo.DefaultPath, log)
	if err != nil {
		log.Fatal(err)
	}
	defer mem.Close()

	t0 := time.Now()
	pOld, err := pressure()
	if err != nil {
		log.Fatalf("%v (kernel without PSI?)", err)
	}

	fmt.Println("     | /proc/meminfo     | /proc/pressure/memory")
	fmt.Println("Time | MemAvail SwapFree | some avg10 full avg10")
	fmt.Println("   s |      MiB      MiB |    %     %    %     %")

	for {
		p, err := pressure()
		if err != nil {
			log.Fatal(err)
		}
		st, err := mem.Read()
		if err != nil {
			log.Fatal(err)
		}

		deltaUs := p.timestamp.Sub(pOld.timestamp).Microseconds()
		var someNow, fullNow int64
		if deltaUs > 0 {
			someNow = (p.someTotal - pOld.someTotal) * 100 / deltaUs
			fullNow = (p.fullTotal - pOld.fullTotal) * 100 / deltaUs
		}

		fmt.Printf("%4.1f | %8d %8d | %4d %5d %4d %5d\n",
			time.Since(t0).Seconds(),
			st.MemAvail.MiB(), st.SwapFree.MiB(),
			someNow, int64(p.someAvg10),
			fullNow, int64(p.fullAvg10))

		pOld = p
		time.Sleep(interval)
	}
}

// pressure parses /proc/pressure/memory:
//
//	some avg10=0.00 avg60=0.03 avg300=0.65 total=28851712
//	full avg10=0.00 avg60=0.01 avg300=0.27 total=12963374
func pressure() (pressureVals, error) {
	buf, err := os.ReadFile(pressurePath)
	if err != nil {
		return pressureVals{}, err
	}
	p := pressureVals{timestamp: time.Now()}

	fields := strings.Fields(string(buf))
	if len(fields) < 10 {
		return pressureVals{}, fmt.Errorf("short pressure file: %q", buf)
	}
	if p.someAvg10, err = parseKV(fields[1], "avg10="); err != nil {
		return pressureVals{}, err
	}
	if p.fullAvg10, err = parseKV(fields[6], "avg10="); err != nil {
		return pressureVals{}, err
	}
	someTotal, err := parseKV(fields[4], "total=")
	if err != nil {
		return pressureVals{}, err
	}
	fullTotal, err := parseKV(fields[9], "total=")
	if err != nil {
		return pressureVals{}, err
	}
	p.someTotal, p.fullTotal = int64(someTotal), int64(fullTotal)
	return p, nil
}

func parseKV(field, key string) (float64, error) {
	if !strings.HasPrefix(field, key) {
		return 0, fmt.Errorf("expected %q, got %q", key, field)
	}
	return strconv.ParseFloat(field[len(key):], 64)
}
