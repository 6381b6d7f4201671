package lexer

var stopwordsUkr = []string{
	"а", "але", "б", "без", "був", "була", "були", "було", "бути", "в",
	"вам", "вас", "ваш", "вже", "ви", "вона", "вони", "воно", "він",
	"від", "для", "до", "з", "за", "зі", "й", "його", "коли", "ми",
	"на", "нам", "нас", "не", "нею", "ним", "них", "ні", "по", "при",
	"про", "свого", "свої", "собі", "та", "так", "також", "там", "те",
	"ти", "тим", "то", "тобі", "того", "той", "тому", "ту", "тут", "у",
	"хоча", "це", "цей", "цього", "через", "ці", "що", "щоб", "як",
	"яка", "яке", "який", "які", "і", "із", "їх",
}
