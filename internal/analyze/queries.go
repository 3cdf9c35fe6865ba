// Package analyze runs fixed queries against a recorded syscall capture.
package analyze

import (
	"fmt"
	"strings"
)

// Query is one capture query with a fixed output schema.
type Query struct {
	Name   string
	Title  string
	Filter []string
	// Fields are the output fields in %field form; they define the
	// report columns.
	Fields []string
}

// Columns returns the report column names in field order.
func (q Query) Columns() []string {
	cols := make([]string, len(q.Fields))
	for i, f := range q.Fields {
		cols[i] = strings.TrimPrefix(f, "%")
	}
	return cols
}

// Command builds the tracer command line reading captureFile.
func (q Query) Command(captureFile string) string {
	return fmt.Sprintf(`sysdig -r %s -j "%s" -p "%s"`,
		captureFile, strings.Join(q.Filter, " "), strings.Join(q.Fields, ","))
}

// OutputName is the JSON-lines file the query's results are written to.
func (q Query) OutputName() string {
	return q.Name + ".json"
}

var (
	Processes = Query{
		Name:  "processes",
		Title: "Processes",
		Filter: []string{
			"evt.type in (execve, execveat)",
			"and evt.dir=<",
			"and evt.arg.res=0",
		},
		Fields: []string{"%proc.name", "%proc.exepath", "%proc.pname", "%proc.pexepath", "%user.name"},
	}

	Containers = Query{
		Name:   "containers",
		Title:  "Containers",
		Filter: []string{"evt.type = container"},
		Fields: []string{"%container.name", "%container.image.repository", "%container.id"},
	}

	OutboundConnections = Query{
		Name:  "outbound-connections",
		Title: "Outbound connections",
		Filter: []string{
			"evt.type in (connect,sendto,sendmsg,sendmmsg)",
			"and evt.dir=<",
		},
		Fields: []string{"%fd.sip", "%fd.sport", "%proc.name", "%proc.exepath", "%user.name"},
	}

	WrittenFiles = Query{
		Name:  "written-files",
		Title: "Written files",
		Filter: []string{
			"evt.type in (open,openat,openat2)",
			"and evt.is_open_write=true",
			"and fd.typechar='f'",
			"and fd.num>=0",
		},
		Fields: []string{"%fd.name", "%proc.name", "%proc.exepath", "%proc.pexepath", "%user.name"},
	}
)

// DefaultQueries are run by analyze mode, in report order.
func DefaultQueries() []Query {
	return []Query{Processes, Containers, OutboundConnections, WrittenFiles}
}
