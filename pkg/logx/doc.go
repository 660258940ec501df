// Package logx is a small structured-logging layer over zerolog.
//
// Components receive a Logger value; the zero value is a safe no-op.
// The Service owns the sinks (console, optional file) and supports
// live reconfiguration: loggers derived from a Service pick up level
// and sink changes applied via Service.Apply without being rebuilt.
package logx
