/*
Process of conversion

Program Text ->

	parse ->

Control Flow Graph (ir) ->

	fold ->
	ifcvt ->
	fold ->

Predicated Control Flow Graph (ir) ->

	format ->

Program Text
*/
package compiler
