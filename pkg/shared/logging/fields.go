// Package logging provides a chainable structured-field builder used
// alongside log/slog throughout the control plane, plus a handful of
// per-component constructors for the field sets that recur at every call
// site (a database write, an HTTP request, a node allocation, ...).
package logging

import "time"

// Fields is an unordered set of structured log attributes. Every setter
// returns the same map so calls chain: NewFields().Component("x").Count(1).
type Fields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource sets resource_type always, and resource_name only when non-empty.
func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error sets the error field unless err is nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus returns the fields as a plain map[string]interface{}, the shape
// logrus.WithFields and slog.Group-via-Any both accept.
func (f Fields) ToLogrus() map[string]interface{} {
	out := make(map[string]interface{}, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DatabaseFields builds the field set for a persistence-layer log line.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the field set for an inbound façade request log line.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// CoordinatorFields builds the field set for a coordinator event-loop log line.
func CoordinatorFields(operation, buildID string) Fields {
	return NewFields().Component("coordinator").Operation(operation).Resource("build", buildID)
}

// NodeFields builds the field set for a resource-allocator log line; zone is
// omitted when empty (a local, zone-less node).
func NodeFields(operation, resourceType, resourceName, zone string) Fields {
	fields := NewFields().Component("allocator").Operation(operation).Resource(resourceType, resourceName)
	if zone != "" {
		fields["zone"] = zone
	}
	return fields
}

// SchedulerFields builds the field set for a priority-scheduler log line.
func SchedulerFields(operation, priority string) Fields {
	return NewFields().Component("scheduler").Operation(operation).Custom("priority", priority)
}

// MetricsFields builds the field set for a metrics-recording log line.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// SecurityFields builds the field set for an auth/authz log line.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// PerformanceFields builds the field set for a timed-operation log line.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
