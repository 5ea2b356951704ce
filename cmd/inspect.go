package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/sw965/cyclemae/checkpoint"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the tensors of a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func formatShape(shape []int) string {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(dims, " ") + "]"
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	infos, err := checkpoint.Inspect(args[0])
	if err != nil {
		return err
	}

	var data [][]string
	total := 0
	for _, info := range infos {
		n := 1
		for _, d := range info.Shape {
			n *= d
		}
		total += n
		data = append(data, []string{info.Name, info.DType, formatShape(info.Shape), strconv.Itoa(n)})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "%d tensors, %d elements\n", len(infos), total)
	return nil
}
