// Package logx configures dosealert's structured logging.
//
// Components receive a logx.Logger (a thin wrapper over zerolog) tagged with
// a "comp" field. Console output stays readable (short timestamp, short
// caller); the optional file sink is JSON.
package logx
